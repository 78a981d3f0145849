package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alexjbarnes/roomsync/internal/models"
)

const consoleHelp = `commands:
  older <scope>          load the next older page
  read <scope> [id]      mark read up to id (default: newest item)
  open [scope]           make scope the open one, or none
  scroll <scope> up|bottom
  send <scope> <text>    send a message
  show <scope> [n]       print the newest n items (default 10)`

const showDefault = 10

// console reads commands from in until ctx is done. End of input stops
// reading but not the session.
func (s *session) console(ctx context.Context, in io.Reader) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}

			if err := s.exec(ctx, line); err != nil {
				s.println("error: " + err.Error())
			}
		}
	}
}

func (s *session) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		s.println(consoleHelp)
		return nil

	case "open":
		if len(args) == 0 {
			return s.engine.SetActive(ctx, "")
		}

		if _, err := s.scope(args[0]); err != nil {
			return err
		}

		return s.engine.SetActive(ctx, args[0])

	case "older":
		if len(args) != 1 {
			return errors.New("usage: older <scope>")
		}

		if _, err := s.scope(args[0]); err != nil {
			return err
		}

		ok, err := s.pager.Trigger(ctx, args[0])
		if !ok {
			s.println("older: throttled")
		}

		return err

	case "read":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: read <scope> [id]")
		}

		return s.markRead(ctx, args)

	case "scroll":
		if len(args) != 2 || (args[1] != "up" && args[1] != "bottom") {
			return errors.New("usage: scroll <scope> up|bottom")
		}

		s.coord.SetAtBottom(args[0], args[1] == "bottom")

		return nil

	case "send":
		if len(args) < 2 {
			return errors.New("usage: send <scope> <text>")
		}

		return s.send(ctx, args[0], strings.Join(args[1:], " "))

	case "show":
		return s.show(args)

	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (s *session) scope(id string) (models.Scope, error) {
	s.mu.Lock()
	sc, ok := s.scopes[id]
	s.mu.Unlock()

	if !ok {
		return models.Scope{}, fmt.Errorf("unknown scope %q", id)
	}

	return sc, nil
}

func (s *session) markRead(ctx context.Context, args []string) error {
	scopeID := args[0]

	uptoID := ""
	if len(args) == 2 {
		uptoID = args[1]
	} else if snap, ok := s.engine.Snapshot(scopeID); ok && snap.LastMessage != nil {
		uptoID = snap.LastMessage.ID
	}

	if uptoID == "" {
		return fmt.Errorf("nothing to mark read in %q", scopeID)
	}

	return s.engine.MarkRead(ctx, scopeID, uptoID)
}

type outboundMessage struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	SenderID string `json:"senderId,omitempty"`
}

// send echoes the message into the cache first and then publishes it. The
// broker's Created for the same id folds into the echo.
func (s *session) send(ctx context.Context, scopeID, text string) error {
	sc, err := s.scope(scopeID)
	if err != nil {
		return err
	}

	if sc.Outbound == "" {
		return fmt.Errorf("scope %q has no outbound destination", scopeID)
	}

	conn, ok := s.manager.Get(scopeID)
	if !ok || !conn.Connected() {
		return fmt.Errorf("scope %q is offline", scopeID)
	}

	msg := outboundMessage{Content: text, SenderID: s.userID}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	echoed, err := s.engine.Echo(ctx, scopeID, models.Item{Payload: payload})
	if err != nil {
		return fmt.Errorf("echoing message: %w", err)
	}

	msg.ID = echoed.ID

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return conn.Send(ctx, sc.Outbound, body)
}

func (s *session) show(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: show <scope> [n]")
	}

	n := showDefault
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v <= 0 {
			return fmt.Errorf("show: bad count %q", args[1])
		}

		n = v
	}

	snap, ok := s.engine.Snapshot(args[0])
	if !ok {
		return fmt.Errorf("unknown scope %q", args[0])
	}

	items := snap.Items
	if len(items) > n {
		items = items[len(items)-n:]
	}

	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %d items, unread %d, more=%t", snap.ScopeID, len(snap.Items), snap.UnreadCount, snap.HasMore)

	for _, it := range items {
		fmt.Fprintf(&b, "\n  %s %s %s", it.CreatedAt.Format("2006-01-02 15:04:05"), it.ID, string(it.Payload))
	}

	s.println(b.String())

	return nil
}
