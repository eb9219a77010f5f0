package webhook

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// silentBroker accepts TCP connections and never answers the AMQP handshake.
func silentBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "amqp://guest:guest@" + ln.Addr().String() + "/"
}

func TestDialAMQPBoundsStalledHandshake(t *testing.T) {
	t.Parallel()

	url := silentBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := DialAMQP(ctx, url)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dial hung on a broker that never completes the handshake")
	}
}

func TestConnectRecoversFromStalledHandshake(t *testing.T) {
	t.Parallel()

	p := NewPublisher(Config{
		URL:            silentBroker(t),
		DialTimeout:    100 * time.Millisecond,
		ReconnectDelay: time.Hour,
	}, zap.NewNop())
	t.Cleanup(func() { _ = p.Close() })

	for attempt := 0; attempt < 2; attempt++ {
		done := make(chan error, 1)
		go func() { done <- p.Connect(context.Background()) }()

		select {
		case err := <-done:
			require.Error(t, err, "attempt %d", attempt)
			require.True(t, IsTransport(err, KindConnect), "attempt %d: got %v", attempt, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d: connect joined a stuck attempt", attempt)
		}
		require.Equal(t, StateDisconnected, p.State())
	}
}
