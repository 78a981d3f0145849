package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	roomerrors "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/metrics"
	"github.com/alexjbarnes/roomsync/internal/models"
)

// senderPaths are the payload fields that may carry the author's user id.
var senderPaths = []string{"senderId", "sender.id", "userId"}

// OnInboundFrame decodes a pushed frame body and applies it to the scope it
// names, falling back to the scope mounted on topic. Malformed bodies are
// dropped and reported as *errors.ParseError; they never reach the cache.
func (e *Engine) OnInboundFrame(ctx context.Context, topic string, raw []byte) error {
	env, err := parseEnvelope(topic, raw)
	if err != nil {
		metrics.ParseErrors.Inc()
		e.logger.Warn("dropping malformed frame",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)

		return err
	}

	var applyErr error

	if err := e.do(ctx, func() { applyErr = e.apply(topic, env) }); err != nil {
		return err
	}

	return applyErr
}

func parseEnvelope(topic string, raw []byte) (models.Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return models.Envelope{}, &roomerrors.ParseError{Topic: topic, Err: errors.New("invalid JSON")}
	}

	typ := gjson.GetBytes(raw, "type")
	if !typ.Exists() {
		return models.Envelope{}, &roomerrors.ParseError{Topic: topic, Err: errors.New("missing type")}
	}

	ev := models.EventType(typ.String())
	if !ev.Valid() {
		return models.Envelope{}, &roomerrors.ParseError{Topic: topic, Err: fmt.Errorf("unknown event type %q", typ.String())}
	}

	if !ev.Mutates() {
		return models.Envelope{Type: ev, ScopeID: gjson.GetBytes(raw, "scopeId").String()}, nil
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Envelope{}, &roomerrors.ParseError{Topic: topic, Err: err}
	}

	if env.Item == nil || env.Item.ID == "" {
		return models.Envelope{}, &roomerrors.ParseError{Topic: topic, Err: fmt.Errorf("%s event without item id", ev)}
	}

	return env, nil
}

// apply runs on the loop.
func (e *Engine) apply(topic string, env models.Envelope) error {
	scopeID := env.ScopeID
	if scopeID == "" && env.Item != nil {
		scopeID = env.Item.ScopeID
	}

	if scopeID == "" {
		scopeID = e.topics[topic]
	}

	switch env.Type {
	case models.EventHeartbeat:
		return nil

	case models.EventConnect:
		e.logger.Debug("subscription acknowledged",
			slog.String("topic", topic),
			slog.String("scope", scopeID),
		)

		return nil
	}

	if scopeID == "" {
		e.logger.Warn("no scope for pushed event",
			slog.String("topic", topic),
			slog.String("type", string(env.Type)),
		)

		return fmt.Errorf("routing %s on %q: %w", env.Type, topic, roomerrors.ErrUnknownScope)
	}

	st := e.state(scopeID)
	item := *env.Item

	res := e.cache.ApplyPush(scopeID, env.Type, item)
	if !res.Applied {
		e.logger.Debug("push had no effect",
			slog.String("scope", scopeID),
			slog.String("type", string(env.Type)),
			slog.String("id", item.ID),
		)

		return nil
	}

	metrics.EventsApplied.WithLabelValues(string(res.Effective)).Inc()

	_, echoed := st.echoes[item.ID]
	own := echoed || e.sentByMe(item)

	if env.Type != models.EventUpdated {
		delete(st.echoes, item.ID)
	}

	counted := res.Effective == models.EventCreated &&
		!own &&
		scopeID != e.active &&
		!st.watermark.Covers(item.Key())
	if counted {
		st.unread++
	}

	e.emit(models.Change{ScopeID: scopeID, Kind: res.Kind, IsOwnAction: own, ItemIDs: res.ItemIDs})

	if counted {
		e.emit(models.Change{ScopeID: scopeID, Kind: models.ChangeUnread, ItemIDs: res.ItemIDs})
	}

	return nil
}

func (e *Engine) sentByMe(item models.Item) bool {
	if e.cfg.UserID == "" || len(item.Payload) == 0 {
		return false
	}

	for _, r := range gjson.GetManyBytes(item.Payload, senderPaths...) {
		if r.Exists() && r.String() == e.cfg.UserID {
			return true
		}
	}

	return false
}
