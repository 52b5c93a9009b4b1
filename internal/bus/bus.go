// Package bus provides participant-to-participant messaging over NATS.
// Envelopes are JSON-encoded protocol.Message values published on subjects
// of the form <prefix><participant>.<performative>; request/reply endpoints
// (the directory) use <prefix><endpoint> with raw JSON bodies.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/grocernet/grocernet/internal/protocol"
)

// Config configures a bus connection.
type Config struct {
	URL         string
	Prefix      string  // subject prefix, default "grocernet."
	Name        string  // NATS connection name, usually the participant name
	PublishRate float64 // messages per second, 0 = unlimited
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		URL:    nats.DefaultURL,
		Prefix: "grocernet.",
	}
}

// Handler receives decoded inbound envelopes.
type Handler func(msg *protocol.Message)

// RequestHandler serves a raw request/reply endpoint.
type RequestHandler func(data []byte) ([]byte, error)

// Bus is a NATS-backed message transport.
type Bus struct {
	nc      *nats.Conn
	prefix  string
	limiter *rate.Limiter
	log     zerolog.Logger
}

// Connect establishes the NATS connection.
func Connect(cfg Config, log zerolog.Logger) (*Bus, error) {
	busLog := log.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				busLog.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busLog.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "grocernet."
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	}

	busLog.Info().
		Str("url", cfg.URL).
		Str("prefix", cfg.Prefix).
		Msg("Bus connected")

	return &Bus{
		nc:      nc,
		prefix:  cfg.Prefix,
		limiter: limiter,
		log:     busLog,
	}, nil
}

// Send publishes an envelope to its receiver.
func (b *Bus) Send(ctx context.Context, msg *protocol.Message) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("bus not connected")
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish rate wait: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := b.messageSubject(msg.To, msg.Performative)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.log.Debug().
		Str("message_id", msg.ID.String()).
		Str("from", msg.From).
		Str("to", msg.To).
		Str("performative", string(msg.Performative)).
		Str("conversation_id", msg.ConversationID).
		Msg("Sent message")

	return nil
}

// Subscribe delivers every envelope addressed to the named participant.
func (b *Bus) Subscribe(participant string, handler Handler) (*Subscription, error) {
	subject := fmt.Sprintf("%s%s.>", b.prefix, participant)

	sub, err := b.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		var msg protocol.Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			b.log.Warn().Err(err).Str("subject", natsMsg.Subject).Msg("Failed to unmarshal envelope")
			return
		}
		handler(&msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.log.Info().
		Str("participant", participant).
		Str("subject", subject).
		Msg("Subscribed to messages")

	return &Subscription{sub: sub, subject: subject, log: b.log}, nil
}

// HandleRequests serves a request/reply endpoint under the bus prefix.
func (b *Bus) HandleRequests(endpoint string, handler RequestHandler) (*Subscription, error) {
	subject := b.prefix + endpoint

	sub, err := b.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		resp, err := handler(natsMsg.Data)
		if err != nil {
			b.log.Error().Err(err).Str("endpoint", endpoint).Msg("Request handler error")
			resp, _ = json.Marshal(map[string]string{"error": err.Error()})
		}
		if natsMsg.Reply == "" {
			return
		}
		if err := natsMsg.Respond(resp); err != nil {
			b.log.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to send reply")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serve endpoint %s: %w", endpoint, err)
	}

	b.log.Info().Str("endpoint", endpoint).Str("subject", subject).Msg("Serving requests")

	return &Subscription{sub: sub, subject: subject, log: b.log}, nil
}

// Request performs a raw request/reply round trip against an endpoint.
func (b *Bus) Request(ctx context.Context, endpoint string, data []byte) ([]byte, error) {
	if !b.nc.IsConnected() {
		return nil, fmt.Errorf("bus not connected")
	}

	natsMsg, err := b.nc.RequestWithContext(ctx, b.prefix+endpoint, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	return natsMsg.Data, nil
}

// Flush blocks until all published messages have been processed by the
// server. Used by tests and shutdown paths.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Close closes the underlying connection.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
		b.log.Info().Msg("Bus closed")
	}
}

func (b *Bus) messageSubject(to string, performative protocol.Performative) string {
	return fmt.Sprintf("%s%s.%s", b.prefix, to, performative)
}

// Subscription is an active bus subscription.
type Subscription struct {
	sub     *nats.Subscription
	subject string
	log     zerolog.Logger
}

// Unsubscribe stops delivery.
func (s *Subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	s.log.Debug().Str("subject", s.subject).Msg("Unsubscribed")
	return nil
}
