package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// Reconnect backoff bounds for the account event stream.
const (
	streamBaseBackoff = 2 * time.Second
	streamMaxBackoff  = 60 * time.Second
)

// accountFrame is one JSON message on the account events socket.
type accountFrame struct {
	Type string `json:"type"`
}

// frameSubscriptionPurchased is pushed when the account gains an
// active subscription.
const frameSubscriptionPurchased = "subscriptionPurchased"

// Stream connects to the account events websocket and republishes
// relevant frames on the bus. It reconnects with capped exponential
// backoff until the context is canceled.
type Stream struct {
	url    string
	token  string
	bus    *Bus
	logger *slog.Logger
}

// NewStream creates a stream client. An empty url disables the stream
// (Run returns immediately).
func NewStream(url, token string, bus *Bus, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}

	return &Stream{url: url, token: token, bus: bus, logger: logger}
}

// Run connects and pumps frames until ctx is canceled. Always returns
// nil on cancellation so errgroup supervision treats shutdown as clean.
func (s *Stream) Run(ctx context.Context) error {
	if s.url == "" {
		s.logger.Debug("account event stream disabled")

		return nil
	}

	backoff := streamBaseBackoff

	for {
		err := s.pump(ctx)
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Warn("account event stream disconnected, reconnecting",
			slog.Duration("backoff", backoff),
			slog.String("error", errString(err)),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}

		backoff = min(backoff*2, streamMaxBackoff)
	}
}

// pump holds one websocket connection open and dispatches its frames.
func (s *Stream) pump(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"X-Auth-Token": {s.token}},
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	s.logger.Info("account event stream connected")

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			return readErr
		}

		var frame accountFrame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr != nil {
			s.logger.Warn("discarding malformed account event frame",
				slog.String("error", jsonErr.Error()),
			)

			continue
		}

		if frame.Type == frameSubscriptionPurchased {
			s.logger.Info("subscription purchased signal received")
			s.bus.Publish(TopicSubscriptionPurchased, nil)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Reason
	}

	return err.Error()
}
