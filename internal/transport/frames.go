package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

const stompVersion = "1.2"

// heartbeatEOL is the single end-of-line a STOMP peer sends as a heart-beat.
var heartbeatEOL = []byte("\n")

// Message is a MESSAGE frame delivered on a subscription.
type Message struct {
	Subscription string
	Destination  string
	MessageID    string
	Body         []byte
}

// encodeFrame serializes one STOMP frame into a WebSocket message payload.
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Command, err)
	}

	return buf.Bytes(), nil
}

// decodeFrame parses one WebSocket message payload. A payload holding only
// heart-beat EOLs decodes to a nil frame and nil error.
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	return f, nil
}

func messageFromFrame(f *frame.Frame) Message {
	return Message{
		Subscription: f.Header.Get(frame.Subscription),
		Destination:  f.Header.Get(frame.Destination),
		MessageID:    f.Header.Get(frame.MessageId),
		Body:         f.Body,
	}
}

// negotiateHeartBeat combines the client interval with the "sx,sy" value of
// the broker's CONNECTED heart-beat header. The client sends every
// max(interval, sy) and expects the broker every max(interval, sx). A zero
// on either side turns that direction off, as does an absent header.
func negotiateHeartBeat(interval time.Duration, header string) (heartbeats, error) {
	if interval <= 0 || header == "" {
		return heartbeats{}, nil
	}

	rawX, rawY, ok := strings.Cut(header, ",")
	if !ok {
		return heartbeats{}, fmt.Errorf("malformed heart-beat %q", header)
	}

	sx, err := strconv.ParseUint(strings.TrimSpace(rawX), 10, 32)
	if err != nil {
		return heartbeats{}, fmt.Errorf("malformed heart-beat %q: %w", header, err)
	}

	sy, err := strconv.ParseUint(strings.TrimSpace(rawY), 10, 32)
	if err != nil {
		return heartbeats{}, fmt.Errorf("malformed heart-beat %q: %w", header, err)
	}

	return heartbeats{
		send:   heartBeatPeriod(interval, sy),
		expect: heartBeatPeriod(interval, sx),
	}, nil
}

func heartBeatPeriod(interval time.Duration, ms uint64) time.Duration {
	if ms == 0 {
		return 0
	}

	return max(interval, time.Duration(ms)*time.Millisecond)
}
