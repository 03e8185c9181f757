// Package wire implements the binary envelope codec spoken on the game
// sockets. Each websocket binary message carries exactly one envelope,
// encoded as a hand-rolled protobuf message: the payload variants are the
// numbered fields of a oneof, scalars are varints, and sub-messages are
// length-delimited. Unknown fields inside known variants are skipped;
// an envelope whose variant is unknown decodes to ErrUnknownVariant so
// callers can log and drop it without failing the connection.
package wire

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformed reports a truncated or structurally invalid frame.
	// Connections receiving one of these must be failed with a protocol
	// error close code.
	ErrMalformed = errors.New("wire: malformed frame")

	// ErrUnknownVariant reports an envelope whose payload variant is not
	// known to this build. The frame is well formed; callers should drop
	// it and keep the connection.
	ErrUnknownVariant = errors.New("wire: unknown envelope variant")
)

// ClientTag identifies the payload variant of a ClientEnvelope. The values
// are the protobuf field numbers of the envelope's oneof.
type ClientTag protowire.Number

const (
	ClientTagNone      ClientTag = 0
	ClientTagHeartbeat ClientTag = 1
	ClientTagSetReady  ClientTag = 2
	ClientTagShot      ClientTag = 3
)

// ServerTag identifies the payload variant of a ServerEnvelope. Field 1 is
// the timestamp, so variants start at 2.
type ServerTag protowire.Number

const (
	ServerTagNone             ServerTag = 0
	ServerTagHeartbeatRequest ServerTag = 2
	ServerTagOpponentPresence ServerTag = 3
	ServerTagReadyState       ServerTag = 4
	ServerTagGameState        ServerTag = 5
	ServerTagTurn             ServerTag = 6
	ServerTagShot             ServerTag = 7
	ServerTagShotResult       ServerTag = 8
	ServerTagGameOver         ServerTag = 9
)

// Orientation of a ship on the wire. Matches game.Orientation values.
type Orientation int32

const (
	Horizontal Orientation = 0
	Vertical   Orientation = 1
)

// CellState of one board cell on the wire.
type CellState int32

const (
	CellUntouched CellState = 0
	CellMiss      CellState = 1
	CellHit       CellState = 2
)

// Result carried by a GameOver envelope.
type Result int32

const (
	ResultWin       Result = 1
	ResultLoss      Result = 2
	ResultPremature Result = 3
)

// Heartbeat is the client's reply to a HeartbeatRequest.
type Heartbeat struct{}

// Shot is a single cell target. Clients send it to fire; the server
// mirrors it to the shooter's opponent.
type Shot struct {
	Row int
	Col int
}

// Ship is a stored ship placement.
type Ship struct {
	Length      int
	Orientation Orientation
	HeadRow     int
	HeadCol     int
}

// SetReady submits the player's fleet and marks them ready.
type SetReady struct {
	Ships []Ship
}

// ClientEnvelope is the tagged union of everything a client may send.
// Exactly one variant field is non-nil.
type ClientEnvelope struct {
	Heartbeat *Heartbeat
	SetReady  *SetReady
	Shot      *Shot
}

// Variant returns the tag of the populated payload, or ClientTagNone.
func (e *ClientEnvelope) Variant() ClientTag {
	switch {
	case e.Heartbeat != nil:
		return ClientTagHeartbeat
	case e.SetReady != nil:
		return ClientTagSetReady
	case e.Shot != nil:
		return ClientTagShot
	}
	return ClientTagNone
}

// HeartbeatRequest asks the client to prove liveness.
type HeartbeatRequest struct{}

// OpponentPresence tells a player about the other player's connection.
type OpponentPresence struct {
	OpponentConnected  bool
	InitiallyConnected bool
}

// ReadyState reports placement progress to one player.
type ReadyState struct {
	ReadyCount int
	SelfReady  bool
}

// ShipState is a ship plus its per-segment hit bits.
type ShipState struct {
	Ship Ship
	Hits []bool
}

// View is a client-facing board projection: cell states row-major plus
// whichever ships the viewer is allowed to see.
type View struct {
	Rows  int
	Cols  int
	Cells []CellState
	Ships []ShipState
}

// GameState carries both board views for one player.
type GameState struct {
	Own      View
	Opponent View
}

// Turn tells a player whose move it is.
type Turn struct {
	OpponentsTurn bool
}

// ShotResult is the server's verdict on the recipient's own shot.
type ShotResult struct {
	Shot     Shot
	Hit      bool
	SunkShip *ShipState
}

// GameOver carries the recipient's final result.
type GameOver struct {
	Result Result
}

// ServerEnvelope is the tagged union of everything the server may send.
// Exactly one variant field is non-nil; TimestampMS is always present.
type ServerEnvelope struct {
	TimestampMS int64

	HeartbeatRequest *HeartbeatRequest
	OpponentPresence *OpponentPresence
	ReadyState       *ReadyState
	GameState        *GameState
	Turn             *Turn
	Shot             *Shot
	ShotResult       *ShotResult
	GameOver         *GameOver
}

// Variant returns the tag of the populated payload, or ServerTagNone.
func (e *ServerEnvelope) Variant() ServerTag {
	switch {
	case e.HeartbeatRequest != nil:
		return ServerTagHeartbeatRequest
	case e.OpponentPresence != nil:
		return ServerTagOpponentPresence
	case e.ReadyState != nil:
		return ServerTagReadyState
	case e.GameState != nil:
		return ServerTagGameState
	case e.Turn != nil:
		return ServerTagTurn
	case e.Shot != nil:
		return ServerTagShot
	case e.ShotResult != nil:
		return ServerTagShotResult
	case e.GameOver != nil:
		return ServerTagGameOver
	}
	return ServerTagNone
}
