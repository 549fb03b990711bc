package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPoolDefaultSize(t *testing.T) {
	assert.Equal(t, DefaultWorkerPoolSize, NewWorkerPool("test", 0).Size())
	assert.Equal(t, DefaultWorkerPoolSize, NewWorkerPool("test", -3).Size())
	assert.Equal(t, 4, NewWorkerPool("test", 4).Size())
}

func TestWorkerPoolServesConnections(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int64
	pool := NewWorkerPool("test", 2)

	done := make(chan error, 1)
	go func() {
		done <- pool.Serve(ctx, listener, func(conn net.Conn) {
			handled.Add(1)
			conn.Close()
		})
	}()

	const total = 5
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", listener.Addr().String())
			if err != nil {
				return
			}
			// Wait for the server side to close the connection.
			buf := make([]byte, 1)
			conn.Read(buf)
			conn.Close()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return handled.Load() == total
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	listener.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after shutdown")
	}
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var current, peak atomic.Int64
	release := make(chan struct{})
	pool := NewWorkerPool("test", 2)

	done := make(chan error, 1)
	go func() {
		done <- pool.Serve(ctx, listener, func(conn net.Conn) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			conn.Close()
		})
	}()

	const total = 6
	conns := make([]net.Conn, 0, total)
	for i := 0; i < total; i++ {
		conn, err := net.Dial("tcp", listener.Addr().String())
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	// Give the pool time to pick up as many connections as it will.
	require.Eventually(t, func() bool {
		return current.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), peak.Load())

	close(release)
	for _, conn := range conns {
		buf := make([]byte, 1)
		conn.Read(buf)
		conn.Close()
	}

	cancel()
	listener.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after shutdown")
	}

	assert.Equal(t, int64(2), peak.Load())
}
