package agents

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/grocernet/grocernet/internal/bus"
	"github.com/grocernet/grocernet/internal/directory"
	"github.com/grocernet/grocernet/internal/protocol"
)

// Supplier answers price inquiries from the subset of its configured
// inventory that matches, confirms accepted item sets, and holds no session
// state between messages.
type Supplier struct {
	*Participant
	inventory map[string]float64
}

// NewSupplier creates a supplier over the given priced inventory.
func NewSupplier(name string, inventory map[string]float64, b *bus.Bus, dir *directory.Client, inboxSize int, log zerolog.Logger) *Supplier {
	stock := make(map[string]float64, len(inventory))
	for item, price := range inventory {
		stock[item] = price
	}

	s := &Supplier{inventory: stock}
	s.Participant = NewParticipant(name, "supplier", b, dir, inboxSize, s, log)
	return s
}

// Setup registers the supplier with the directory so brokers can find it.
func (s *Supplier) Setup(ctx context.Context) error {
	return s.dir.Register(ctx, directory.Entry{
		Name: s.name,
		Kind: directory.KindSupplier,
	})
}

// Teardown removes the directory entry.
func (s *Supplier) Teardown(ctx context.Context) {
	if err := s.dir.Deregister(ctx, s.name); err != nil {
		s.log.Warn().Err(err).Msg("Failed to deregister from directory")
	}
}

// OnMessage dispatches one inbound envelope.
func (s *Supplier) OnMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Performative {
	case protocol.PerformativePriceInquiry:
		s.handleInquiry(ctx, msg)
	case protocol.PerformativeAccept:
		s.handleAccept(ctx, msg)
	case protocol.PerformativeReject:
		s.log.Debug().
			Str("broker", msg.From).
			Str("conversation_id", msg.ConversationID).
			Msg("Quote rejected")
	default:
		s.log.Debug().
			Str("performative", string(msg.Performative)).
			Str("from", msg.From).
			Msg("Ignoring unexpected message")
	}
}

// OnTick is a no-op: suppliers hold no deadlines.
func (s *Supplier) OnTick(ctx context.Context, now time.Time) {}

func (s *Supplier) handleInquiry(ctx context.Context, msg *protocol.Message) {
	items, err := protocol.ParseItemList(msg.Content)
	if err != nil {
		s.log.Warn().Err(err).Str("broker", msg.From).Msg("Malformed price inquiry")
		s.send(ctx, msg.Reply(protocol.PerformativeNotUnderstood, msg.Content))
		return
	}

	covered := make(map[string]float64)
	for _, item := range items {
		if price, ok := s.inventory[item]; ok {
			covered[item] = price
		}
	}

	if len(covered) == 0 {
		s.log.Debug().Str("broker", msg.From).Msg("No requested items in stock")
		s.send(ctx, msg.Reply(protocol.PerformativeQuoteRefuse, protocol.BodyNoItemsAvailable))
		return
	}

	quote := protocol.Quote{Supplier: s.name, Items: covered}
	s.log.Info().
		Str("broker", msg.From).
		Int("covered", len(covered)).
		Float64("subtotal", quote.Subtotal()).
		Msg("Quoting items")
	s.send(ctx, msg.Reply(protocol.PerformativeQuotePropose, protocol.FormatQuote(quote)))
}

func (s *Supplier) handleAccept(ctx context.Context, msg *protocol.Message) {
	items, err := protocol.ParseItemList(msg.Content)
	if err != nil {
		s.log.Warn().Err(err).Str("broker", msg.From).Msg("Malformed accept body")
		s.send(ctx, msg.Reply(protocol.PerformativeNotUnderstood, msg.Content))
		return
	}

	s.log.Info().
		Str("broker", msg.From).
		Strs("items", items).
		Msg("Order accepted, preparing items")
	s.send(ctx, msg.Reply(protocol.PerformativeConfirm, protocol.BodyItemsReady))
}
