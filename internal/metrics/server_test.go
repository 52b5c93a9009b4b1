package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, port int) *Server {
	t.Helper()

	s := NewServer(port, zerolog.Nop())
	require.NoError(t, s.Start())
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	return s
}

func TestHealthEndpoint(t *testing.T) {
	startServer(t, 19981)

	resp, err := http.Get("http://localhost:19981/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	startServer(t, 19982)

	MessagesHandled.WithLabelValues("broker1", "order-request").Inc()
	ProposalsSent.WithLabelValues("broker1", StatusSuccess).Inc()

	resp, err := http.Get("http://localhost:19982/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	bodyStr := string(body)
	assert.Contains(t, bodyStr, "grocernet_messages_handled_total")
	assert.Contains(t, bodyStr, "grocernet_proposals_sent_total")
}

func TestShutdownWithoutStart(t *testing.T) {
	s := NewServer(19983, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

func TestShutdownStopsServer(t *testing.T) {
	s := NewServer(19984, zerolog.Nop())
	require.NoError(t, s.Start())
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err := http.Get(fmt.Sprintf("http://localhost:%d/health", 19984))
	assert.Error(t, err)
}
