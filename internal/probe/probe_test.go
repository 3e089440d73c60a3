package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbarlow/sitekit/internal/domain"
	"github.com/mbarlow/sitekit/internal/poll"
	"github.com/mbarlow/sitekit/pkg/logger"
)

func spec(attempts int) poll.Spec {
	return poll.Spec{MaxAttempts: attempts, Interval: 5 * time.Millisecond}
}

func TestReadyOnAnyStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := New(server.Client(), logger.Discard())
	require.NoError(t, p.WaitUntilReady(context.Background(), server.URL, spec(3)))
}

func TestUnresponsiveBackendExhaustsAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening anymore

	p := New(&http.Client{Timeout: 100 * time.Millisecond}, logger.Discard())
	err := p.WaitUntilReady(context.Background(), server.URL, spec(3))
	require.ErrorIs(t, err, domain.ErrBackendUnresponsive)
}

func TestReadyAfterBackendComesUp(t *testing.T) {
	hits := 0
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 2 {
			// Drop the connection so the client sees a transport error.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := New(server.Client(), logger.Discard())
	require.NoError(t, p.WaitUntilReady(context.Background(), server.URL, spec(5)))
	require.GreaterOrEqual(t, hits, 2)
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(&http.Client{Timeout: time.Second}, logger.Discard())
	err := p.WaitUntilReady(ctx, "http://127.0.0.1:1", poll.Spec{MaxAttempts: 10, Interval: time.Second, InitialDelay: time.Second})
	require.ErrorIs(t, err, context.Canceled)
}
