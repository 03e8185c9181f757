// Package server runs the websocket side of the battleship service:
// the session router, the placement and battle phase managers, the
// per-connection message loops, the heartbeat clock and the stale
// match sweeper.
package server

import (
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Close codes sent to clients, following RFC 6455. Protocol errors for
// malformed frames, policy violations for well-formed frames the server
// refuses, internal error when the server itself failed.
const (
	CloseNormal          = websocket.CloseNormalClosure
	CloseProtocolError   = websocket.CloseProtocolError
	CloseNoHeartbeat     = websocket.CloseAbnormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

// CloseError is the close frame a connection should die with. Handlers
// return it up the message loop; the manager forwards code and reason
// to the socket.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

func closeError(code int, format string, args ...interface{}) *CloseError {
	return &CloseError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// closeFor coerces err into the close frame to send: a CloseError
// passes through, anything else becomes an internal error close.
func closeFor(err error) *CloseError {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce
	}
	return &CloseError{Code: CloseInternalError, Reason: "internal server error"}
}
