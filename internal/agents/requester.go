package agents

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/grocernet/grocernet/internal/bus"
	"github.com/grocernet/grocernet/internal/directory"
	"github.com/grocernet/grocernet/internal/metrics"
	"github.com/grocernet/grocernet/internal/protocol"
)

type requesterState int

const (
	requesterSettling requesterState = iota
	requesterCollecting
	requesterAwaitConfirm
	requesterDone
)

// Order outcomes reported by Outcome.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// RequesterTimeouts bounds each waiting phase of an order.
type RequesterTimeouts struct {
	Settle       time.Duration // wait before the first broker lookup
	ProposalWait time.Duration // bounded wait for broker proposals
	ConfirmWait  time.Duration // bounded wait for delivery confirmation
}

// Requester runs one shopping list to completion: it broadcasts the order to
// every known broker, collects the competing proposals, pays the best one and
// rejects the rest, then waits for delivery confirmation.
type Requester struct {
	*Participant
	shopping []string
	brokers  []string // configured; empty means discover via directory
	timeouts RequesterTimeouts

	state     requesterState
	conv      string
	expected  int
	proposals map[string]protocol.Proposal
	selected  string
	deadline  time.Time
	outcome   string
	done      chan struct{}
}

// NewRequester creates a requester for one shopping list. When brokers is
// empty the requester searches the directory after the settle delay.
func NewRequester(name string, shopping, brokers []string, timeouts RequesterTimeouts, b *bus.Bus, dir *directory.Client, inboxSize int, log zerolog.Logger) *Requester {
	r := &Requester{
		shopping:  append([]string(nil), shopping...),
		brokers:   append([]string(nil), brokers...),
		timeouts:  timeouts,
		proposals: make(map[string]protocol.Proposal),
		done:      make(chan struct{}),
	}
	r.Participant = NewParticipant(name, "requester", b, dir, inboxSize, r, log)
	return r
}

// Done is closed when the order reaches a terminal state.
func (r *Requester) Done() <-chan struct{} { return r.done }

// Outcome reports how the order ended. Only valid after Done is closed.
func (r *Requester) Outcome() string { return r.outcome }

// Setup arms the settle delay; requesters do not register with the
// directory, they only search it.
func (r *Requester) Setup(ctx context.Context) error {
	r.state = requesterSettling
	r.deadline = time.Now().Add(r.timeouts.Settle)
	return nil
}

// Teardown is a no-op.
func (r *Requester) Teardown(ctx context.Context) {}

// OnMessage dispatches one inbound envelope.
func (r *Requester) OnMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Performative {
	case protocol.PerformativeBrokerProposal:
		r.handleProposal(ctx, msg)
	case protocol.PerformativeConfirm:
		r.handleConfirm(msg)
	default:
		r.log.Debug().
			Str("performative", string(msg.Performative)).
			Str("from", msg.From).
			Msg("Ignoring unexpected message")
	}
}

// OnTick advances whichever waiting phase has hit its deadline.
func (r *Requester) OnTick(ctx context.Context, now time.Time) {
	switch r.state {
	case requesterSettling:
		if now.After(r.deadline) {
			r.broadcast(ctx)
		}
	case requesterCollecting:
		if now.After(r.deadline) {
			r.log.Info().
				Int("collected", len(r.proposals)).
				Int("expected", r.expected).
				Msg("Proposal deadline elapsed, selecting from collected proposals")
			r.selectBroker(ctx)
		}
	case requesterAwaitConfirm:
		if now.After(r.deadline) {
			r.log.Warn().Str("broker", r.selected).Msg("No delivery confirmation received")
			r.finish(OutcomeFailed)
		}
	}
}

// broadcast resolves the broker set and sends the order to each under one
// fresh conversation token.
func (r *Requester) broadcast(ctx context.Context) {
	brokers := r.resolveBrokers(ctx)
	if len(brokers) == 0 {
		r.log.Warn().Msg("No brokers found, order fails")
		r.finish(OutcomeFailed)
		return
	}

	r.conv = protocol.NewConversationID("order-")
	r.expected = len(brokers)
	r.state = requesterCollecting
	r.deadline = time.Now().Add(r.timeouts.ProposalWait)

	body := protocol.FormatItemList(r.shopping)
	for _, broker := range brokers {
		r.send(ctx, protocol.NewMessage(protocol.PerformativeOrderRequest,
			r.name, broker, r.conv, body))
	}

	r.log.Info().
		Str("conversation_id", r.conv).
		Int("brokers", len(brokers)).
		Strs("items", r.shopping).
		Msg("Order broadcast to brokers")
}

func (r *Requester) handleProposal(ctx context.Context, msg *protocol.Message) {
	if r.state != requesterCollecting || msg.ConversationID != r.conv {
		r.log.Debug().Str("broker", msg.From).Msg("Proposal outside collection window")
		return
	}

	proposal, err := protocol.ParseProposal(msg.Content)
	if err != nil {
		r.log.Warn().Err(err).Str("broker", msg.From).Msg("Malformed proposal")
		r.send(ctx, msg.Reply(protocol.PerformativeNotUnderstood, msg.Content))
		// Still counts as the broker's one reply.
		proposal = protocol.Proposal{Status: protocol.StatusFailure}
	}
	r.proposals[msg.From] = proposal

	if len(r.proposals) >= r.expected {
		r.selectBroker(ctx)
	}
}

// selectBroker picks the best proposal: fulfilled beats unfulfilled, then
// lower total, then lexicographic broker name. Losing brokers get a reject
// so they release their sessions.
func (r *Requester) selectBroker(ctx context.Context) {
	brokers := make([]string, 0, len(r.proposals))
	for broker := range r.proposals {
		brokers = append(brokers, broker)
	}
	sort.Strings(brokers)

	var best string
	for _, broker := range brokers {
		p := r.proposals[broker]
		if !p.Fulfilled() {
			continue
		}
		if best == "" || p.Total < r.proposals[best].Total {
			best = broker
		}
	}

	if best == "" {
		r.log.Warn().Int("proposals", len(r.proposals)).Msg("No broker can fulfill the order")
		for _, broker := range brokers {
			r.send(ctx, protocol.NewMessage(protocol.PerformativeReject,
				r.name, broker, r.conv, ""))
		}
		r.finish(OutcomeFailed)
		return
	}

	r.selected = best
	r.state = requesterAwaitConfirm
	r.deadline = time.Now().Add(r.timeouts.ConfirmWait)

	payment := protocol.FormatPayment(r.proposals[best].Total)
	r.send(ctx, protocol.NewMessage(protocol.PerformativeAccept,
		r.name, best, r.conv, payment))
	for _, broker := range brokers {
		if broker != best {
			r.send(ctx, protocol.NewMessage(protocol.PerformativeReject,
				r.name, broker, r.conv, ""))
		}
	}

	r.log.Info().
		Str("broker", best).
		Float64("total", r.proposals[best].Total).
		Msg("Proposal accepted, payment sent")
}

func (r *Requester) handleConfirm(msg *protocol.Message) {
	if r.state != requesterAwaitConfirm || msg.From != r.selected || msg.ConversationID != r.conv {
		return
	}
	if msg.Content != protocol.BodyOrderDelivered {
		r.log.Warn().Str("body", msg.Content).Msg("Unexpected confirmation body")
		return
	}

	r.log.Info().Str("broker", r.selected).Msg("Order delivered")
	r.finish(OutcomeDelivered)
}

func (r *Requester) resolveBrokers(ctx context.Context) []string {
	if len(r.brokers) > 0 {
		return r.brokers
	}

	entries, err := r.dir.Search(ctx, directory.KindBroker)
	if err != nil {
		r.log.Warn().Err(err).Msg("Broker lookup failed")
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names
}

func (r *Requester) finish(outcome string) {
	if r.state == requesterDone {
		return
	}
	r.state = requesterDone
	r.outcome = outcome
	metrics.OrdersCompleted.WithLabelValues(r.name, outcome).Inc()
	close(r.done)
}
