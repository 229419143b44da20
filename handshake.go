package ws

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var keyGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// AcceptKey returns the Sec-WebSocket-Accept value for the client's
// Sec-WebSocket-Key.
// See https://tools.ietf.org/html/rfc6455#section-4.2.2
func AcceptKey(secWebSocketKey string) string {
	h := sha1.New()
	h.Write([]byte(secWebSocketKey))
	h.Write(keyGUID)

	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// VerifyRequest checks the opening handshake of r and returns
// the accept key to answer it with.
//
// The checks run in order and stop at the first failure, which is
// returned as a *HandshakeError. checkOrigin is optional; when set
// and it returns false, the handshake is rejected with
// ReasonOriginRejected.
//
// VerifyRequest does not touch any response.
func VerifyRequest(r *http.Request, checkOrigin func(r *http.Request) bool) (string, error) {
	if r.Method != http.MethodGet {
		return "", handshakeErrorf(ReasonMethodNotAllowed, "handshake request method is not GET but %q", r.Method)
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", handshakeErrorf(ReasonKeyMissing, "missing Sec-WebSocket-Key")
	}

	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return "", handshakeErrorf(ReasonUpgradeHeaderInvalid, "Upgrade header %q does not contain websocket", r.Header.Get("Upgrade"))
	}

	if !headerContainsToken(r.Header, "Connection", "Upgrade") {
		return "", handshakeErrorf(ReasonConnectionHeaderInvalid, "Connection header %q does not contain Upgrade", r.Header.Get("Connection"))
	}

	if v := r.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return "", handshakeErrorf(ReasonVersionUnsupported, "unsupported websocket protocol version (only 13 is supported): %q", v)
	}

	if checkOrigin != nil && !checkOrigin(r) {
		return "", handshakeErrorf(ReasonOriginRejected, "request origin %q is not authorized", r.Header.Get("Origin"))
	}

	return AcceptKey(key), nil
}

// SameOrigin reports whether the Origin of r is absent or has
// the same host as r. It can be used as AcceptOptions.CheckOrigin
// to stop cross origin javascript from dialing with the user's cookies.
//
// See https://stackoverflow.com/a/37837709/4283659
func SameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func headerContainsToken(h http.Header, key, token string) bool {
	key = textproto.CanonicalMIMEHeaderKey(key)
	return httpguts.HeaderValuesContainsToken(h[key], token)
}
