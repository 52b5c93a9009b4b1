package agents

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocernet/grocernet/internal/bus"
	"github.com/grocernet/grocernet/internal/directory"
	"github.com/grocernet/grocernet/internal/protocol"
)

func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	return ns
}

type testNet struct {
	bus *bus.Bus
	dir *directory.Client
}

// setupNet starts an embedded NATS server with a running directory service
// and returns a shared bus plus directory client.
func setupNet(t *testing.T) *testNet {
	t.Helper()

	ns := startTestNATSServer(t)
	t.Cleanup(ns.Shutdown)

	b, err := bus.Connect(bus.Config{URL: ns.ClientURL(), Prefix: "test."}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	svc := directory.NewService(b, zerolog.Nop())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	return &testNet{bus: b, dir: directory.NewClient(b, 2*time.Second, zerolog.Nop())}
}

type runnable interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

func start(t *testing.T, ctx context.Context, p runnable) {
	t.Helper()

	require.NoError(t, p.Initialize(ctx))
	go func() { _ = p.Run(ctx) }()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(shutdownCtx)
	})
}

func fastTimeouts() RequesterTimeouts {
	return RequesterTimeouts{
		Settle:       200 * time.Millisecond,
		ProposalWait: 3 * time.Second,
		ConfirmWait:  3 * time.Second,
	}
}

func TestEndToEndOrderDelivered(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	marketA := NewSupplier("MarketA", map[string]float64{"milk": 5.0, "coffee": 30.0},
		net.bus, net.dir, 0, zerolog.Nop())
	marketB := NewSupplier("MarketB", map[string]float64{"coffee": 25.0, "rice": 3.0},
		net.bus, net.dir, 0, zerolog.Nop())
	broker := NewBroker("FastDelivery", 5.0, nil, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	requester := NewRequester("Household", []string{"milk", "coffee", "rice"}, nil,
		fastTimeouts(), net.bus, net.dir, 0, zerolog.Nop())

	start(t, ctx, marketA)
	start(t, ctx, marketB)
	start(t, ctx, broker)
	start(t, ctx, requester)

	select {
	case <-requester.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("order did not complete")
	}

	assert.Equal(t, OutcomeDelivered, requester.Outcome())
	assert.Equal(t, "FastDelivery", requester.selected)
	// MarketB covers coffee+rice cheaper than MarketA's coffee alone, then
	// MarketA fills milk: 25 + 3 + 5 items + 5 fee.
	assert.Equal(t, 38.0, requester.proposals["FastDelivery"].Total)

	// Terminal path must release the broker session.
	assert.Eventually(t, func() bool {
		return broker.tracker.ActiveCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestOrderFailsWithoutSuppliers(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewBroker("FastDelivery", 5.0, nil, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	requester := NewRequester("Household", []string{"milk"}, nil,
		fastTimeouts(), net.bus, net.dir, 0, zerolog.Nop())

	start(t, ctx, broker)
	start(t, ctx, requester)

	select {
	case <-requester.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("order did not finish")
	}

	assert.Equal(t, OutcomeFailed, requester.Outcome())
	assert.Equal(t, protocol.StatusFailure, requester.proposals["FastDelivery"].Status)
	assert.Zero(t, broker.tracker.ActiveCount())
}

func TestRequesterPicksCheaperBroker(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market := NewSupplier("MarketA", map[string]float64{"milk": 5.0},
		net.bus, net.dir, 0, zerolog.Nop())
	cheap := NewBroker("CheapDelivery", 2.0, nil, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	pricey := NewBroker("PriceyDelivery", 10.0, nil, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	requester := NewRequester("Household", []string{"milk"}, nil,
		fastTimeouts(), net.bus, net.dir, 0, zerolog.Nop())

	start(t, ctx, market)
	start(t, ctx, cheap)
	start(t, ctx, pricey)
	start(t, ctx, requester)

	select {
	case <-requester.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("order did not complete")
	}

	assert.Equal(t, OutcomeDelivered, requester.Outcome())
	assert.Equal(t, "CheapDelivery", requester.selected)
	assert.Equal(t, 7.0, requester.proposals["CheapDelivery"].Total)

	// The rejected broker must release its session too.
	assert.Eventually(t, func() bool {
		return pricey.tracker.ActiveCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRequesterPrefersFulfilledOverCheaperFailure(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market := NewSupplier("MarketA", map[string]float64{"milk": 5.0},
		net.bus, net.dir, 0, zerolog.Nop())
	// DeadEnd is configured against a supplier that does not exist, so its
	// proposal is FAILURE with a nominal total of zero.
	good := NewBroker("GoodDelivery", 37.0, []string{"MarketA"}, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	deadEnd := NewBroker("DeadEnd", 0, []string{"Nobody"}, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	requester := NewRequester("Household", []string{"milk"}, nil,
		fastTimeouts(), net.bus, net.dir, 0, zerolog.Nop())

	start(t, ctx, market)
	start(t, ctx, good)
	start(t, ctx, deadEnd)
	start(t, ctx, requester)

	select {
	case <-requester.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("order did not complete")
	}

	// SUCCESS at 42.0 wins over FAILURE at 0.
	assert.Equal(t, OutcomeDelivered, requester.Outcome())
	assert.Equal(t, "GoodDelivery", requester.selected)
	assert.Equal(t, 42.0, requester.proposals["GoodDelivery"].Total)
	assert.Equal(t, protocol.StatusFailure, requester.proposals["DeadEnd"].Status)

	// The rejected broker releases its session on the reject path.
	assert.Eventually(t, func() bool {
		return deadEnd.tracker.ActiveCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestPartialCoverageProposesFailure(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market := NewSupplier("MarketA", map[string]float64{"milk": 5.5},
		net.bus, net.dir, 0, zerolog.Nop())
	broker := NewBroker("FastDelivery", 15.5, nil, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	requester := NewRequester("Household", []string{"milk", "tea"}, nil,
		fastTimeouts(), net.bus, net.dir, 0, zerolog.Nop())

	start(t, ctx, market)
	start(t, ctx, broker)
	start(t, ctx, requester)

	select {
	case <-requester.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("order did not finish")
	}

	assert.Equal(t, OutcomeFailed, requester.Outcome())
	proposal := requester.proposals["FastDelivery"]
	assert.Equal(t, protocol.StatusFailure, proposal.Status)
	assert.Equal(t, []string{"tea"}, proposal.Unavailable)
	assert.Equal(t, 21.0, proposal.Total) // 5.5 milk + 15.5 fee

	assert.Eventually(t, func() bool {
		return broker.tracker.ActiveCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestDuplicateOrderSuppressed(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market := NewSupplier("MarketA", map[string]float64{"milk": 5.0},
		net.bus, net.dir, 0, zerolog.Nop())
	broker := NewBroker("FastDelivery", 5.0, nil, time.Second,
		net.bus, net.dir, 0, zerolog.Nop())

	start(t, ctx, market)
	start(t, ctx, broker)

	proposals := make(chan *protocol.Message, 4)
	sub, err := net.bus.Subscribe("probe", func(msg *protocol.Message) {
		if msg.Performative == protocol.PerformativeBrokerProposal {
			proposals <- msg
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	// Same counterparty and conversation token twice: the second must be
	// dropped, yielding exactly one proposal.
	order := protocol.NewMessage(protocol.PerformativeOrderRequest,
		"probe", "FastDelivery", "order-dup", "milk")
	require.NoError(t, net.bus.Send(ctx, order))
	require.NoError(t, net.bus.Send(ctx, order))

	select {
	case <-proposals:
	case <-time.After(5 * time.Second):
		t.Fatal("no proposal received")
	}

	select {
	case <-proposals:
		t.Fatal("duplicate order produced a second proposal")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestSupplierQuoteWireFormat(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market := NewSupplier("MarketA", map[string]float64{"milk": 5.0, "coffee": 30.0, "bread": 2.5},
		net.bus, net.dir, 0, zerolog.Nop())
	start(t, ctx, market)

	replies := make(chan *protocol.Message, 2)
	sub, err := net.bus.Subscribe("probe", func(msg *protocol.Message) {
		replies <- msg
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	inquiry := protocol.NewMessage(protocol.PerformativePriceInquiry,
		"probe", "MarketA", "inquiry-1", "milk,coffee,tea")
	require.NoError(t, net.bus.Send(ctx, inquiry))

	select {
	case msg := <-replies:
		assert.Equal(t, protocol.PerformativeQuotePropose, msg.Performative)
		assert.Equal(t, "2|35.0|coffee:30.0,milk:5.0", msg.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("no quote received")
	}

	refusal := protocol.NewMessage(protocol.PerformativePriceInquiry,
		"probe", "MarketA", "inquiry-2", "tea,sugar")
	require.NoError(t, net.bus.Send(ctx, refusal))

	select {
	case msg := <-replies:
		assert.Equal(t, protocol.PerformativeQuoteRefuse, msg.Performative)
		assert.Equal(t, protocol.BodyNoItemsAvailable, msg.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("no refusal received")
	}
}

func TestSupplierConfirmsAcceptedItems(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market := NewSupplier("MarketA", map[string]float64{"milk": 5.0},
		net.bus, net.dir, 0, zerolog.Nop())
	start(t, ctx, market)

	replies := make(chan *protocol.Message, 1)
	sub, err := net.bus.Subscribe("probe", func(msg *protocol.Message) {
		replies <- msg
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	accept := protocol.NewMessage(protocol.PerformativeAccept,
		"probe", "MarketA", "inquiry-1", "milk")
	require.NoError(t, net.bus.Send(ctx, accept))

	select {
	case msg := <-replies:
		assert.Equal(t, protocol.PerformativeConfirm, msg.Performative)
		assert.Equal(t, protocol.BodyItemsReady, msg.Content)
	case <-time.After(3 * time.Second):
		t.Fatal("no confirmation received")
	}
}

func TestBrokerRepliesNotUnderstoodToEmptyOrder(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewBroker("FastDelivery", 5.0, nil, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	start(t, ctx, broker)

	replies := make(chan *protocol.Message, 1)
	sub, err := net.bus.Subscribe("probe", func(msg *protocol.Message) {
		replies <- msg
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	order := protocol.NewMessage(protocol.PerformativeOrderRequest,
		"probe", "FastDelivery", "order-1", ",,")
	require.NoError(t, net.bus.Send(ctx, order))

	select {
	case msg := <-replies:
		assert.Equal(t, protocol.PerformativeNotUnderstood, msg.Performative)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply received")
	}

	// Session released so the same token may legally recur.
	assert.Eventually(t, func() bool {
		return broker.tracker.ActiveCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRequesterFixedBrokerList(t *testing.T) {
	net := setupNet(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market := NewSupplier("MarketA", map[string]float64{"milk": 5.0},
		net.bus, net.dir, 0, zerolog.Nop())
	broker := NewBroker("FastDelivery", 5.0, []string{"MarketA"}, 500*time.Millisecond,
		net.bus, net.dir, 0, zerolog.Nop())
	requester := NewRequester("Household", []string{"milk"}, []string{"FastDelivery"},
		fastTimeouts(), net.bus, net.dir, 0, zerolog.Nop())

	start(t, ctx, market)
	start(t, ctx, broker)
	start(t, ctx, requester)

	select {
	case <-requester.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("order did not complete")
	}

	assert.Equal(t, OutcomeDelivered, requester.Outcome())
	assert.Equal(t, 10.0, requester.proposals["FastDelivery"].Total)
}
