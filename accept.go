package ws

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cdr.dev/slog"
)

// AcceptOptions represents the options available to pass to Accept.
type AcceptOptions struct {
	// CheckOrigin is consulted once the handshake headers are valid.
	// Returning false rejects the handshake with 403. When nil, any
	// origin is accepted; SameOrigin is a ready made check.
	CheckOrigin func(r *http.Request) bool

	ConnOptions
}

// Accept accepts a WebSocket handshake from a client and upgrades
// the connection to a WebSocket by hijacking it.
//
// If the handshake is invalid, Accept writes the matching status code
// without a body and returns a *HandshakeError. The caller has nothing
// more to send.
func Accept(w http.ResponseWriter, r *http.Request, opts *AcceptOptions) (*Conn, error) {
	c, err := accept(w, r, nil, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to accept WebSocket connection: %w", err)
	}
	return c, nil
}

// AcceptStream is like Accept but for HTTP layers that hand over the
// raw stream themselves instead of supporting http.Hijacker. The
// response header block is flushed with http.Flusher before the
// Conn is created on rwc.
func AcceptStream(w http.ResponseWriter, r *http.Request, rwc io.ReadWriteCloser, opts *AcceptOptions) (*Conn, error) {
	if rwc == nil {
		return nil, errors.New("failed to accept WebSocket connection: nil stream")
	}
	c, err := accept(w, r, rwc, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to accept WebSocket connection: %w", err)
	}
	return c, nil
}

func accept(w http.ResponseWriter, r *http.Request, rwc io.ReadWriteCloser, opts *AcceptOptions) (*Conn, error) {
	if opts == nil {
		opts = &AcceptOptions{}
	}

	acceptKey, err := VerifyRequest(r, opts.CheckOrigin)
	if err != nil {
		var he *HandshakeError
		if errors.As(err, &he) {
			reject(w, he)
			opts.Logger.Debug(r.Context(), "rejected handshake",
				slog.F("reason", he.Reason.String()),
				slog.F("remote_addr", r.RemoteAddr),
			)
		}
		return nil, err
	}

	g := graceFromRequest(r)
	if g != nil && g.isClosing() {
		err := errors.New("server shutting down")
		w.WriteHeader(http.StatusServiceUnavailable)
		return nil, err
	}

	var hj http.Hijacker
	if rwc == nil {
		var ok bool
		hj, ok = w.(http.Hijacker)
		if !ok {
			err = errors.New("http.ResponseWriter does not implement http.Hijacker")
			w.WriteHeader(http.StatusNotImplemented)
			return nil, err
		}
	}

	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", acceptKey)

	w.WriteHeader(http.StatusSwitchingProtocols)
	// See https://github.com/nhooyr/websocket/issues/166
	if ginWriter, ok := w.(interface{ WriteHeaderNow() }); ok {
		ginWriter.WriteHeaderNow()
	}

	var br *bufio.Reader
	if hj != nil {
		netConn, brw, err := hj.Hijack()
		if err != nil {
			return nil, fmt.Errorf("failed to hijack connection: %w", err)
		}
		rwc = netConn

		// https://github.com/golang/go/issues/32314
		b, _ := brw.Reader.Peek(brw.Reader.Buffered())
		brw.Reader.Reset(io.MultiReader(bytes.NewReader(b), netConn))
		br = brw.Reader
	} else if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	c := newConn(rwc, br, RoleServer, &opts.ConnOptions)
	if g != nil {
		err = g.addConn(c)
		if err != nil {
			c.Close(StatusGoingAway, "server shutting down")
			return nil, err
		}
	}
	return c, nil
}

// reject answers a rejected handshake without a body.
func reject(w http.ResponseWriter, he *HandshakeError) {
	switch he.Reason {
	case ReasonMethodNotAllowed:
		w.Header().Set("Allow", http.MethodGet)
	case ReasonVersionUnsupported:
		w.Header().Set("Sec-WebSocket-Version", "13")
	}
	w.WriteHeader(he.StatusCode())
}
