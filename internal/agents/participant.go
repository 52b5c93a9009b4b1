// Package agents implements the negotiation participants: suppliers answer
// price inquiries, brokers coordinate orders across suppliers, and requesters
// drive purchases to completion.
package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/grocernet/grocernet/internal/bus"
	"github.com/grocernet/grocernet/internal/directory"
	"github.com/grocernet/grocernet/internal/metrics"
	"github.com/grocernet/grocernet/internal/protocol"
)

const (
	// DefaultInboxSize bounds the per-participant inbox when configuration
	// does not say otherwise.
	DefaultInboxSize = 256

	// tickInterval is how often deadline checks run on the participant loop.
	tickInterval = 100 * time.Millisecond
)

// Behavior is the role-specific reaction set driven by a Participant loop.
// OnMessage and OnTick are always invoked from the same goroutine, so
// behaviors need no locking around their session state.
type Behavior interface {
	Setup(ctx context.Context) error
	OnMessage(ctx context.Context, msg *protocol.Message)
	OnTick(ctx context.Context, now time.Time)
	Teardown(ctx context.Context)
}

// Participant is the shared actor runtime behind every role. The transport
// subscription pushes decoded envelopes into a buffered inbox; Run consumes
// the inbox one message at a time and interleaves deadline ticks.
type Participant struct {
	name     string
	role     string
	bus      *bus.Bus
	dir      *directory.Client
	behavior Behavior
	inbox    chan *protocol.Message
	sub      *bus.Subscription
	log      zerolog.Logger
}

// NewParticipant creates the runtime for one named participant.
func NewParticipant(name, role string, b *bus.Bus, dir *directory.Client, inboxSize int, behavior Behavior, log zerolog.Logger) *Participant {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Participant{
		name:     name,
		role:     role,
		bus:      b,
		dir:      dir,
		behavior: behavior,
		inbox:    make(chan *protocol.Message, inboxSize),
		log:      log.With().Str("participant", name).Str("role", role).Logger(),
	}
}

// Name returns the participant's identity on the bus.
func (p *Participant) Name() string { return p.name }

// Initialize subscribes the participant's inbox and runs the role setup.
func (p *Participant) Initialize(ctx context.Context) error {
	sub, err := p.bus.Subscribe(p.name, func(msg *protocol.Message) {
		select {
		case p.inbox <- msg:
		default:
			metrics.MessagesDropped.WithLabelValues(p.name).Inc()
			p.log.Warn().
				Str("from", msg.From).
				Str("performative", string(msg.Performative)).
				Msg("Inbox full, dropping message")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.name, err)
	}
	p.sub = sub

	if err := p.behavior.Setup(ctx); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("setup %s: %w", p.name, err)
	}

	p.log.Info().Msg("Participant initialized")
	return nil
}

// Run drives the participant loop until the context is cancelled.
func (p *Participant) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	p.log.Info().Msg("Participant running")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Participant loop stopped")
			return ctx.Err()
		case msg := <-p.inbox:
			metrics.MessagesHandled.WithLabelValues(p.name, string(msg.Performative)).Inc()
			p.behavior.OnMessage(ctx, msg)
		case now := <-ticker.C:
			p.behavior.OnTick(ctx, now)
		}
	}
}

// Shutdown stops delivery and runs the role teardown.
func (p *Participant) Shutdown(ctx context.Context) error {
	if p.sub != nil {
		if err := p.sub.Unsubscribe(); err != nil {
			p.log.Warn().Err(err).Msg("Failed to unsubscribe inbox")
		}
	}

	p.behavior.Teardown(ctx)

	p.log.Info().Msg("Participant shutdown complete")
	return nil
}

// send publishes an envelope, logging instead of propagating transport
// errors: a lost message is a normal protocol condition handled by the
// counterparty's bounded wait.
func (p *Participant) send(ctx context.Context, msg *protocol.Message) {
	if err := p.bus.Send(ctx, msg); err != nil {
		p.log.Error().
			Err(err).
			Str("to", msg.To).
			Str("performative", string(msg.Performative)).
			Msg("Failed to send message")
	}
}
