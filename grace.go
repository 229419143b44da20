package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Grace enables graceful shutdown of accepted WebSocket connections.
//
// Use Handler to wrap WebSocket handlers to record accepted connections
// and then use Close or Shutdown to gracefully close these connections.
//
// Grace is intended to be used in harmony with net/http.Server's Shutdown and Close methods.
// It's required as net/http's Shutdown and Close methods do not keep track of WebSocket
// connections.
type Grace struct {
	mu      sync.Mutex
	closing bool
	conns   map[*Conn]struct{}
}

// Handler returns a handler that wraps around h to record
// all WebSocket connections accepted.
//
// Use Close or Shutdown to gracefully close recorded connections.
func (g *Grace) Handler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), gracefulContextKey{}, g)
		r = r.WithContext(ctx)
		h.ServeHTTP(w, r)
	})
}

func (g *Grace) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

func graceFromRequest(r *http.Request) *Grace {
	g, _ := r.Context().Value(gracefulContextKey{}).(*Grace)
	return g
}

func (g *Grace) addConn(c *Conn) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return errors.New("server shutting down")
	}
	if g.conns == nil {
		g.conns = make(map[*Conn]struct{})
	}
	g.conns[c] = struct{}{}

	c.stateMu.Lock()
	c.g = g
	c.stateMu.Unlock()
	return nil
}

func (g *Grace) delConn(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

type gracefulContextKey struct{}

// Close prevents the acceptance of new connections with
// http.StatusServiceUnavailable and closes all accepted
// connections with StatusGoingAway.
//
// Each close handshake is bounded by the connection's CloseTimeout.
// The returned error joins the errors of every connection that did
// not close cleanly.
func (g *Grace) Close() error {
	return g.closeAll(context.Background())
}

func (g *Grace) closeAll(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
		delete(g.conns, c)
	}
	g.mu.Unlock()

	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Conn) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(ctx, c.closeTimeout)
			defer cancel()
			errs[i] = c.CloseContext(ctx, StatusGoingAway, "server shutting down")
		}(i, c)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Shutdown prevents the acceptance of new connections and waits until
// every accepted connection reaches StateClosed. If ctx expires first,
// the remaining connections are closed as with Close.
func (g *Grace) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	// Same poll period used by net/http.
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		if g.pending() == 0 {
			return nil
		}

		select {
		case <-t.C:
		case <-ctx.Done():
			err := fmt.Errorf("failed to shutdown WebSockets: %w", ctx.Err())
			return errors.Join(err, g.Close())
		}
	}
}

// pending returns the number of tracked connections that have not
// reached StateClosed. Closed ones are dropped.
func (g *Grace) pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for c := range g.conns {
		if c.State() == StateClosed {
			delete(g.conns, c)
			continue
		}
		n++
	}
	return n
}
