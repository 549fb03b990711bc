package server

import (
	"context"
	"net"
	"sync"

	"github.com/mailyard/mailyard/logger"
)

// DefaultWorkerPoolSize is the worker count used when none is configured.
const DefaultWorkerPoolSize = 10

// ConnHandler handles one accepted connection synchronously and is
// responsible for closing it.
type ConnHandler func(conn net.Conn)

// WorkerPool accepts connections from a listener and hands each one to a
// fixed set of workers. Every worker owns exactly one connection at a time
// and runs its session loop to completion; no session state is shared
// between workers.
type WorkerPool struct {
	protocol string
	size     int
	wg       sync.WaitGroup
}

func NewWorkerPool(protocol string, size int) *WorkerPool {
	if size <= 0 {
		size = DefaultWorkerPoolSize
	}
	return &WorkerPool{protocol: protocol, size: size}
}

func (p *WorkerPool) Size() int {
	return p.size
}

// Serve runs the accept loop until the listener is closed or ctx is
// cancelled, then waits for in-flight sessions to finish. When all workers
// are busy the accept loop blocks, bounding concurrent sessions at the pool
// size.
func (p *WorkerPool) Serve(ctx context.Context, listener net.Listener, handler ConnHandler) error {
	conns := make(chan net.Conn)

	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go func(worker int) {
			defer p.wg.Done()
			for conn := range conns {
				handler(conn)
			}
		}(i)
	}

	logger.Debug("worker pool started", "protocol", p.protocol, "workers", p.size)

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener closed during shutdown is not an error.
			select {
			case <-ctx.Done():
			default:
				acceptErr = err
			}
			break
		}

		select {
		case conns <- conn:
		case <-ctx.Done():
			conn.Close()
		}
		if ctx.Err() != nil {
			break
		}
	}

	close(conns)
	p.wg.Wait()
	logger.Debug("worker pool drained", "protocol", p.protocol)
	return acceptErr
}
