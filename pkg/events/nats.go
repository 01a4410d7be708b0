package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher is the part of *nats.Conn the forwarder needs.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// ConnectNATS dials the broker with reconnects enabled.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("warden"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Forwarder relays a bus subscription to a NATS subject as JSON messages.
type Forwarder[T any] struct {
	pub     Publisher
	sub     *Subscription[T]
	subject func(T) string
	header  func(T) nats.Header
	logger  zerolog.Logger

	forwarded atomic.Int64
	failed    atomic.Int64
}

// NewForwarder creates a forwarder. subject maps each value to its NATS
// subject; header may be nil.
func NewForwarder[T any](pub Publisher, sub *Subscription[T], subject func(T) string, header func(T) nats.Header, logger zerolog.Logger) *Forwarder[T] {
	return &Forwarder[T]{
		pub:     pub,
		sub:     sub,
		subject: subject,
		header:  header,
		logger:  logger.With().Str("component", "nats_forwarder").Str("subscriber", sub.Name()).Logger(),
	}
}

// Run forwards until ctx is cancelled or the subscription is closed.
func (f *Forwarder[T]) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-f.sub.C():
			if !ok {
				return
			}
			f.forward(v)
		}
	}
}

func (f *Forwarder[T]) forward(v T) {
	data, err := json.Marshal(v)
	if err != nil {
		f.failed.Add(1)
		f.logger.Error().Err(err).Msg("Failed to encode event for NATS")
		return
	}
	msg := &nats.Msg{Subject: f.subject(v), Data: data}
	if f.header != nil {
		msg.Header = f.header(v)
	}
	if err := f.pub.PublishMsg(msg); err != nil {
		f.failed.Add(1)
		f.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to publish event to NATS")
		return
	}
	f.forwarded.Add(1)
}

// Stats returns forwarded and failed counts.
func (f *Forwarder[T]) Stats() (forwarded, failed int64) {
	return f.forwarded.Load(), f.failed.Load()
}

// SystemEventSubject maps a system event to "<prefix>.system.<type>".
func SystemEventSubject(prefix string) func(SystemEvent) string {
	return func(e SystemEvent) string {
		return fmt.Sprintf("%s.system.%s", prefix, e.Type)
	}
}

// SystemEventHeader tags the message with the event id and severity.
func SystemEventHeader(e SystemEvent) nats.Header {
	h := nats.Header{}
	h.Set("Warden-Event-Id", e.ID)
	h.Set("Warden-Severity", e.Severity)
	return h
}
