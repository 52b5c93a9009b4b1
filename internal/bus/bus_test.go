package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grocernet/grocernet/internal/protocol"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	return ns
}

func setupTestBus(t *testing.T) (*Bus, *server.Server) {
	t.Helper()

	ns := startTestNATSServer(t)
	t.Cleanup(ns.Shutdown)

	b, err := Connect(Config{URL: ns.ClientURL(), Prefix: "test.", Name: "test-bus"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	return b, ns
}

func TestConnectDefaultPrefix(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	b, err := Connect(Config{URL: ns.ClientURL()}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "grocernet.", b.prefix)
	assert.True(t, b.nc.IsConnected())
}

func TestSendAndSubscribe(t *testing.T) {
	b, _ := setupTestBus(t)

	received := make(chan *protocol.Message, 1)
	sub, err := b.Subscribe("supplier1", func(msg *protocol.Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	msg := protocol.NewMessage(protocol.PerformativePriceInquiry, "broker1", "supplier1", "inquiry-1", "milk,rice")
	require.NoError(t, b.Send(context.Background(), msg))

	select {
	case got := <-received:
		assert.Equal(t, protocol.PerformativePriceInquiry, got.Performative)
		assert.Equal(t, "broker1", got.From)
		assert.Equal(t, "supplier1", got.To)
		assert.Equal(t, "inquiry-1", got.ConversationID)
		assert.Equal(t, "milk,rice", got.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestSubscribeReceivesAllPerformatives(t *testing.T) {
	b, _ := setupTestBus(t)

	received := make(chan protocol.Performative, 2)
	sub, err := b.Subscribe("broker1", func(msg *protocol.Message) {
		received <- msg.Performative
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	require.NoError(t, b.Send(ctx, protocol.NewMessage(protocol.PerformativeOrderRequest, "c", "broker1", "order-1", "milk")))
	require.NoError(t, b.Send(ctx, protocol.NewMessage(protocol.PerformativeReject, "c", "broker1", "order-1", "")))

	got := map[protocol.Performative]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-received:
			got[p] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for messages")
		}
	}
	assert.True(t, got[protocol.PerformativeOrderRequest])
	assert.True(t, got[protocol.PerformativeReject])
}

func TestRequestReply(t *testing.T) {
	b, _ := setupTestBus(t)

	sub, err := b.HandleRequests("directory.search", func(data []byte) ([]byte, error) {
		var req map[string]string
		require.NoError(t, json.Unmarshal(data, &req))
		return json.Marshal(map[string]string{"kind": req["kind"], "ok": "true"})
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := b.Request(ctx, "directory.search", []byte(`{"kind":"grocery-supplier"}`))
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(resp, &got))
	assert.Equal(t, "grocery-supplier", got["kind"])
}

func TestRequestNoResponder(t *testing.T) {
	b, _ := setupTestBus(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, "directory.nowhere", []byte(`{}`))
	assert.Error(t, err)
}

func TestPublishRateLimit(t *testing.T) {
	ns := startTestNATSServer(t)
	defer ns.Shutdown()

	b, err := Connect(Config{URL: ns.ClientURL(), Prefix: "test.", PublishRate: 50}, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 10; i++ {
		msg := protocol.NewMessage(protocol.PerformativeConfirm, "a", "b", "conv", "x")
		require.NoError(t, b.Send(ctx, msg))
	}
	// 10 messages at 50/s must take at least ~180ms after the initial burst.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestSendFillsDefaults(t *testing.T) {
	b, _ := setupTestBus(t)

	msg := &protocol.Message{
		Performative:   protocol.PerformativeConfirm,
		From:           "a",
		To:             "b",
		ConversationID: "conv",
	}
	require.NoError(t, b.Send(context.Background(), msg))
	assert.False(t, msg.Timestamp.IsZero())
	assert.NotEqual(t, [16]byte{}, [16]byte(msg.ID))
}
