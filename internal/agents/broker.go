package agents

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/grocernet/grocernet/internal/allocation"
	"github.com/grocernet/grocernet/internal/bus"
	"github.com/grocernet/grocernet/internal/directory"
	"github.com/grocernet/grocernet/internal/metrics"
	"github.com/grocernet/grocernet/internal/protocol"
	"github.com/grocernet/grocernet/internal/session"
)

type brokerState int

const (
	brokerAwaitQuotes brokerState = iota
	brokerAwaitDecision
)

// brokerSession accumulates one order negotiation. Touched only from the
// participant loop goroutine.
type brokerSession struct {
	requester   string
	orderConv   string // requester's conversation token
	inquiryConv string // broker's supplier-facing token
	requested   []string
	pending     map[string]struct{}           // suppliers yet to reply
	offers      map[string]map[string]float64 // supplier -> quoted item prices
	plan        *allocation.Plan
	state       brokerState
	deadline    time.Time
}

// Broker coordinates orders: it fans a price inquiry out to suppliers,
// combines the quotes into a fulfillment plan, proposes the priced plan back
// to the requester, and settles accept or reject with everyone involved.
type Broker struct {
	*Participant
	serviceFee float64
	suppliers  []string // configured; empty means discover via directory
	quoteWait  time.Duration
	tracker    *session.Tracker

	byInquiry map[string]*brokerSession
	byOrder   map[string]*brokerSession // requester+":"+orderConv
}

// NewBroker creates a broker with a fixed service fee. When suppliers is
// empty the broker searches the directory per order.
func NewBroker(name string, serviceFee float64, suppliers []string, quoteWait time.Duration, b *bus.Bus, dir *directory.Client, inboxSize int, log zerolog.Logger) *Broker {
	br := &Broker{
		serviceFee: serviceFee,
		suppliers:  append([]string(nil), suppliers...),
		quoteWait:  quoteWait,
		byInquiry:  make(map[string]*brokerSession),
		byOrder:    make(map[string]*brokerSession),
	}
	br.Participant = NewParticipant(name, "broker", b, dir, inboxSize, br, log)
	br.tracker = session.NewTracker(br.log)
	return br
}

// Setup registers the broker with the directory, advertising its fee.
func (b *Broker) Setup(ctx context.Context) error {
	return b.dir.Register(ctx, directory.Entry{
		Name:       b.name,
		Kind:       directory.KindBroker,
		Attributes: map[string]string{"fee": protocol.FormatPrice(b.serviceFee)},
	})
}

// Teardown removes the directory entry.
func (b *Broker) Teardown(ctx context.Context) {
	if err := b.dir.Deregister(ctx, b.name); err != nil {
		b.log.Warn().Err(err).Msg("Failed to deregister from directory")
	}
}

// OnMessage dispatches one inbound envelope.
func (b *Broker) OnMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Performative {
	case protocol.PerformativeOrderRequest:
		b.handleOrder(ctx, msg)
	case protocol.PerformativeQuotePropose:
		b.handleQuote(ctx, msg)
	case protocol.PerformativeQuoteRefuse:
		b.handleRefusal(ctx, msg)
	case protocol.PerformativeAccept:
		b.handleAccept(ctx, msg)
	case protocol.PerformativeReject:
		b.handleReject(ctx, msg)
	case protocol.PerformativeConfirm:
		b.log.Debug().
			Str("supplier", msg.From).
			Str("body", msg.Content).
			Msg("Supplier confirmed items")
	default:
		b.log.Debug().
			Str("performative", string(msg.Performative)).
			Str("from", msg.From).
			Msg("Ignoring unexpected message")
	}
}

// OnTick closes out quote collection for sessions whose deadline elapsed.
func (b *Broker) OnTick(ctx context.Context, now time.Time) {
	for _, sess := range b.byInquiry {
		if sess.state == brokerAwaitQuotes && now.After(sess.deadline) {
			b.log.Info().
				Str("conversation_id", sess.inquiryConv).
				Int("pending", len(sess.pending)).
				Msg("Quote deadline elapsed, allocating with collected quotes")
			b.propose(ctx, sess)
		}
	}
}

func (b *Broker) handleOrder(ctx context.Context, msg *protocol.Message) {
	if !b.tracker.ShouldProcess(msg.From, msg.ConversationID) {
		metrics.DuplicatesSuppressed.WithLabelValues(b.name).Inc()
		return
	}
	metrics.SessionsActive.WithLabelValues(b.name).Inc()

	requested, err := protocol.ParseItemList(msg.Content)
	if err != nil {
		b.log.Warn().Err(err).Str("requester", msg.From).Msg("Malformed order request")
		b.send(ctx, msg.Reply(protocol.PerformativeNotUnderstood, msg.Content))
		b.releaseSession(msg.From, msg.ConversationID)
		return
	}

	suppliers := b.resolveSuppliers(ctx)
	if len(suppliers) == 0 {
		b.log.Warn().Str("requester", msg.From).Msg("No suppliers found, refusing order")
		b.send(ctx, protocol.NewMessage(protocol.PerformativeBrokerProposal,
			b.name, msg.From, msg.ConversationID, protocol.BodyProposalNone))
		metrics.ProposalsSent.WithLabelValues(b.name, metrics.StatusFailure).Inc()
		b.releaseSession(msg.From, msg.ConversationID)
		return
	}

	sess := &brokerSession{
		requester:   msg.From,
		orderConv:   msg.ConversationID,
		inquiryConv: protocol.NewConversationID("inquiry-"),
		requested:   requested,
		pending:     make(map[string]struct{}, len(suppliers)),
		offers:      make(map[string]map[string]float64),
		state:       brokerAwaitQuotes,
		deadline:    time.Now().Add(b.quoteWait),
	}
	b.byInquiry[sess.inquiryConv] = sess
	b.byOrder[orderKey(sess.requester, sess.orderConv)] = sess

	body := protocol.FormatItemList(requested)
	for _, supplier := range suppliers {
		sess.pending[supplier] = struct{}{}
		inquiry := protocol.NewMessage(protocol.PerformativePriceInquiry,
			b.name, supplier, sess.inquiryConv, body)
		inquiry.InReplyTo = sess.orderConv
		b.send(ctx, inquiry)
	}

	b.log.Info().
		Str("requester", msg.From).
		Str("conversation_id", sess.orderConv).
		Int("suppliers", len(suppliers)).
		Strs("items", requested).
		Msg("Order received, collecting quotes")
}

func (b *Broker) handleQuote(ctx context.Context, msg *protocol.Message) {
	sess, ok := b.byInquiry[msg.ConversationID]
	if !ok || sess.state != brokerAwaitQuotes {
		b.log.Debug().Str("supplier", msg.From).Msg("Quote for unknown or settled session")
		return
	}

	quote, err := protocol.ParseQuote(msg.From, msg.Content)
	if err != nil {
		b.log.Warn().Err(err).Str("supplier", msg.From).Msg("Malformed quote")
		b.send(ctx, msg.Reply(protocol.PerformativeNotUnderstood, msg.Content))
		delete(sess.pending, msg.From)
	} else {
		// A re-sent quote overwrites the earlier one.
		sess.offers[msg.From] = quote.Items
		delete(sess.pending, msg.From)
		metrics.QuotesReceived.WithLabelValues(b.name).Inc()
	}

	if len(sess.pending) == 0 {
		b.propose(ctx, sess)
	}
}

func (b *Broker) handleRefusal(ctx context.Context, msg *protocol.Message) {
	sess, ok := b.byInquiry[msg.ConversationID]
	if !ok || sess.state != brokerAwaitQuotes {
		return
	}

	b.log.Debug().Str("supplier", msg.From).Msg("Supplier refused inquiry")
	delete(sess.pending, msg.From)

	if len(sess.pending) == 0 {
		b.propose(ctx, sess)
	}
}

// propose runs the allocation engine over the collected quotes and sends the
// priced plan to the requester.
func (b *Broker) propose(ctx context.Context, sess *brokerSession) {
	start := time.Now()
	sess.plan = allocation.Allocate(sess.requested, sess.offers, b.serviceFee)
	metrics.AllocationDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())

	status := protocol.StatusFailure
	if sess.plan.Fulfilled {
		status = protocol.StatusSuccess
	}
	proposal := protocol.Proposal{
		Status:      status,
		Total:       sess.plan.Total,
		Items:       sess.plan.ItemPrices,
		Unavailable: sess.plan.Unfulfilled,
	}

	b.send(ctx, protocol.NewMessage(protocol.PerformativeBrokerProposal,
		b.name, sess.requester, sess.orderConv, protocol.FormatProposal(proposal)))
	sess.state = brokerAwaitDecision

	statusLabel := metrics.StatusFailure
	if sess.plan.Fulfilled {
		statusLabel = metrics.StatusSuccess
	}
	metrics.ProposalsSent.WithLabelValues(b.name, statusLabel).Inc()

	b.log.Info().
		Str("requester", sess.requester).
		Str("status", status).
		Float64("total", sess.plan.Total).
		Strs("selected", sess.plan.Selected).
		Strs("unavailable", sess.plan.Unfulfilled).
		Msg("Proposal sent")
}

func (b *Broker) handleAccept(ctx context.Context, msg *protocol.Message) {
	sess, ok := b.byOrder[orderKey(msg.From, msg.ConversationID)]
	if !ok || sess.state != brokerAwaitDecision {
		b.log.Debug().Str("requester", msg.From).Msg("Accept for unknown or unsettled session")
		return
	}

	amount, err := protocol.ParsePayment(msg.Content)
	if err != nil {
		b.log.Warn().Err(err).Str("requester", msg.From).Msg("Malformed payment")
		b.send(ctx, msg.Reply(protocol.PerformativeNotUnderstood, msg.Content))
		return
	}

	b.log.Info().
		Str("requester", msg.From).
		Float64("payment", amount).
		Msg("Proposal accepted, notifying suppliers")

	for supplier, assignment := range sess.plan.Assignments {
		b.send(ctx, protocol.NewMessage(protocol.PerformativeAccept,
			b.name, supplier, sess.inquiryConv, protocol.FormatItemList(assignment.ItemList())))
	}
	for supplier := range sess.offers {
		if _, used := sess.plan.Assignments[supplier]; !used {
			b.send(ctx, protocol.NewMessage(protocol.PerformativeReject,
				b.name, supplier, sess.inquiryConv, ""))
		}
	}

	b.send(ctx, protocol.NewMessage(protocol.PerformativeConfirm,
		b.name, sess.requester, sess.orderConv, protocol.BodyOrderDelivered))

	b.closeSession(sess)
}

func (b *Broker) handleReject(ctx context.Context, msg *protocol.Message) {
	sess, ok := b.byOrder[orderKey(msg.From, msg.ConversationID)]
	if !ok {
		return
	}

	b.log.Info().
		Str("requester", msg.From).
		Str("conversation_id", msg.ConversationID).
		Msg("Proposal rejected")
	b.closeSession(sess)
}

// resolveSuppliers returns the configured supplier list, or a directory
// search when none is configured. A failed search yields an empty set; the
// caller refuses the order.
func (b *Broker) resolveSuppliers(ctx context.Context) []string {
	if len(b.suppliers) > 0 {
		return b.suppliers
	}

	entries, err := b.dir.Search(ctx, directory.KindSupplier)
	if err != nil {
		b.log.Warn().Err(err).Msg("Supplier lookup failed")
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	return names
}

func (b *Broker) closeSession(sess *brokerSession) {
	delete(b.byInquiry, sess.inquiryConv)
	delete(b.byOrder, orderKey(sess.requester, sess.orderConv))
	b.releaseSession(sess.requester, sess.orderConv)
}

func (b *Broker) releaseSession(requester, orderConv string) {
	b.tracker.Release(requester, orderConv)
	metrics.SessionsActive.WithLabelValues(b.name).Dec()
}

func orderKey(requester, conversationID string) string {
	return requester + ":" + conversationID
}
