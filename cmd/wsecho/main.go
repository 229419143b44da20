// Command wsecho is a WebSocket echo server.
//
// Every text or binary message received is written back to the
// client. Reads are rate limited per connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"golang.org/x/time/rate"

	"github.com/wirekit/ws"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "address to listen on")
	every := flag.Duration("rate", time.Millisecond*100, "minimum interval between messages read from a connection")
	burst := flag.Int("burst", 10, "number of messages a connection may send at once")
	readLimit := flag.Int64("read-limit", 32768, "maximum message size in bytes")
	insecureOrigin := flag.Bool("insecure-origin", false, "accept handshakes from any origin")
	flag.Parse()

	log := sloghuman.Make(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := echoServer{
		log:       log,
		limit:     rate.Every(*every),
		burst:     *burst,
		readLimit: *readLimit,
	}
	if !*insecureOrigin {
		s.checkOrigin = ws.SameOrigin
	}

	err := run(ctx, log, *addr, s)
	if err != nil {
		log.Fatal(ctx, "echo server failed", slog.Error(err))
	}
}

// run serves h on addr until ctx is done and then shuts down
// the HTTP server and the WebSockets it accepted.
func run(ctx context.Context, log slog.Logger, addr string, h http.Handler) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info(ctx, "listening", slog.F("addr", l.Addr().String()))

	var g ws.Grace
	hs := &http.Server{
		Handler:      g.Handler(h),
		ReadTimeout:  time.Second * 15,
		WriteTimeout: time.Second * 15,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- hs.Serve(l)
	}()

	select {
	case err = <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	err = hs.Shutdown(shutdownCtx)
	if err != nil {
		return err
	}
	return g.Shutdown(shutdownCtx)
}

type echoServer struct {
	log         slog.Logger
	limit       rate.Limit
	burst       int
	readLimit   int64
	checkOrigin func(r *http.Request) bool
}

func (s echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := s.log.With(slog.F("remote_addr", r.RemoteAddr))

	c, err := ws.Accept(w, r, &ws.AcceptOptions{
		CheckOrigin: s.checkOrigin,
		ConnOptions: ws.ConnOptions{
			ReadLimit: s.readLimit,
			Logger:    log,
		},
	})
	if err != nil {
		log.Info(r.Context(), "failed to accept", slog.Error(err))
		return
	}
	defer c.Close(ws.StatusInternalError, "the sky is falling")

	l := rate.NewLimiter(s.limit, s.burst)
	for {
		err = s.echo(r.Context(), c, l)
		if ws.CloseStatus(err) == ws.StatusNormalClosure || ws.CloseStatus(err) == ws.StatusGoingAway {
			return
		}
		if err != nil {
			log.Info(r.Context(), "echo failed", slog.Error(err))
			return
		}
	}
}

// echo reads from the WebSocket connection and then writes
// the received message back to it.
// The entire function has 10s to complete.
func (s echoServer) echo(ctx context.Context, c *ws.Conn, l *rate.Limiter) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()

	err := l.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	typ, p, err := c.ReadMessage(ctx)
	if errors.Is(err, ws.ErrTimeout) && c.State() == ws.StateOpen {
		// Idle clients are fine.
		return nil
	}
	if err != nil {
		return err
	}

	return c.WriteMessage(ctx, typ, p)
}
