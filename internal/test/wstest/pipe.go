// Package wstest contains helpers for testing WebSocket connections.
package wstest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"

	"github.com/wirekit/ws"
	"github.com/wirekit/ws/internal/errd"
)

// Pipe is used to create an in memory connection
// between two websockets analogous to net.Pipe.
// The handshake runs through Dial and Accept.
func Pipe(dialOpts *ws.DialOptions, acceptOpts *ws.AcceptOptions) (client *ws.Conn, server *ws.Conn, err error) {
	defer errd.Wrap(&err, "failed to create ws pipe")

	var serverConn *ws.Conn
	var acceptErr error
	tt := fakeTransport{
		h: func(w http.ResponseWriter, r *http.Request) {
			serverConn, acceptErr = ws.Accept(w, r, acceptOpts)
		},
	}

	var o ws.DialOptions
	if dialOpts != nil {
		o = *dialOpts
	}
	o.HTTPClient = &http.Client{
		Transport: tt,
	}

	clientConn, _, err := ws.Dial(context.Background(), "ws://example.com", &o)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial with fake transport: %w", err)
	}

	if serverConn == nil {
		return nil, nil, fmt.Errorf("failed to get server conn from fake transport: %w", acceptErr)
	}

	return clientConn, serverConn, nil
}

type fakeTransport struct {
	h http.HandlerFunc
}

func (t fakeTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	clientConn, serverConn := net.Pipe()

	hj := testHijacker{
		ResponseRecorder: httptest.NewRecorder(),
		serverConn:       serverConn,
	}

	t.h.ServeHTTP(hj, r)

	resp := hj.ResponseRecorder.Result()
	if resp.StatusCode == http.StatusSwitchingProtocols {
		resp.Body = clientConn
	} else {
		clientConn.Close()
		serverConn.Close()
	}
	return resp, nil
}

type testHijacker struct {
	*httptest.ResponseRecorder
	serverConn net.Conn
}

var _ http.Hijacker = testHijacker{}

func (hj testHijacker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hj.serverConn, bufio.NewReadWriter(bufio.NewReader(hj.serverConn), bufio.NewWriter(hj.serverConn)), nil
}
