package wire

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers inside the payload sub-messages.
const (
	fieldShotRow = 1
	fieldShotCol = 2

	fieldShipLength      = 1
	fieldShipOrientation = 2
	fieldShipHeadRow     = 3
	fieldShipHeadCol     = 4

	fieldSetReadyShips = 1

	fieldPresenceConnected = 1
	fieldPresenceInitially = 2

	fieldReadyCount = 1
	fieldReadySelf  = 2

	fieldShipStateShip = 1
	fieldShipStateHits = 2

	fieldViewRows  = 1
	fieldViewCols  = 2
	fieldViewCells = 3
	fieldViewShips = 4

	fieldGameStateOwn      = 1
	fieldGameStateOpponent = 2

	fieldTurnOpponents = 1

	fieldResultShot = 1
	fieldResultHit  = 2
	fieldResultSunk = 3

	fieldGameOverResult = 1

	fieldServerTimestamp = 1
)

// EncodeClient serializes a client envelope into one frame.
func EncodeClient(env *ClientEnvelope) ([]byte, error) {
	var b []byte
	switch env.Variant() {
	case ClientTagHeartbeat:
		b = appendMessage(b, protowire.Number(ClientTagHeartbeat), nil)
	case ClientTagSetReady:
		b = appendMessage(b, protowire.Number(ClientTagSetReady), appendSetReady(nil, env.SetReady))
	case ClientTagShot:
		b = appendMessage(b, protowire.Number(ClientTagShot), appendShot(nil, *env.Shot))
	default:
		return nil, errors.New("wire: client envelope has no payload")
	}
	return b, nil
}

// EncodeServer serializes a server envelope into one frame.
func EncodeServer(env *ServerEnvelope) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldServerTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.TimestampMS))

	switch env.Variant() {
	case ServerTagHeartbeatRequest:
		b = appendMessage(b, protowire.Number(ServerTagHeartbeatRequest), nil)
	case ServerTagOpponentPresence:
		b = appendMessage(b, protowire.Number(ServerTagOpponentPresence), appendPresence(nil, *env.OpponentPresence))
	case ServerTagReadyState:
		b = appendMessage(b, protowire.Number(ServerTagReadyState), appendReadyState(nil, *env.ReadyState))
	case ServerTagGameState:
		b = appendMessage(b, protowire.Number(ServerTagGameState), appendGameState(nil, env.GameState))
	case ServerTagTurn:
		b = appendMessage(b, protowire.Number(ServerTagTurn), appendTurn(nil, *env.Turn))
	case ServerTagShot:
		b = appendMessage(b, protowire.Number(ServerTagShot), appendShot(nil, *env.Shot))
	case ServerTagShotResult:
		b = appendMessage(b, protowire.Number(ServerTagShotResult), appendShotResult(nil, env.ShotResult))
	case ServerTagGameOver:
		b = appendMessage(b, protowire.Number(ServerTagGameOver), appendGameOver(nil, *env.GameOver))
	default:
		return nil, errors.New("wire: server envelope has no payload")
	}
	return b, nil
}

// appendMessage writes a length-delimited field. Empty payloads are legal
// and encode the variant's presence alone.
func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	return appendVarintField(b, num, protowire.EncodeBool(v))
}

func appendShot(b []byte, s Shot) []byte {
	b = appendVarintField(b, fieldShotRow, uint64(s.Row))
	b = appendVarintField(b, fieldShotCol, uint64(s.Col))
	return b
}

func appendShip(b []byte, s Ship) []byte {
	b = appendVarintField(b, fieldShipLength, uint64(s.Length))
	b = appendVarintField(b, fieldShipOrientation, uint64(s.Orientation))
	b = appendVarintField(b, fieldShipHeadRow, uint64(s.HeadRow))
	b = appendVarintField(b, fieldShipHeadCol, uint64(s.HeadCol))
	return b
}

func appendSetReady(b []byte, sr *SetReady) []byte {
	for _, ship := range sr.Ships {
		b = appendMessage(b, fieldSetReadyShips, appendShip(nil, ship))
	}
	return b
}

func appendPresence(b []byte, p OpponentPresence) []byte {
	b = appendBoolField(b, fieldPresenceConnected, p.OpponentConnected)
	b = appendBoolField(b, fieldPresenceInitially, p.InitiallyConnected)
	return b
}

func appendReadyState(b []byte, rs ReadyState) []byte {
	b = appendVarintField(b, fieldReadyCount, uint64(rs.ReadyCount))
	b = appendBoolField(b, fieldReadySelf, rs.SelfReady)
	return b
}

func appendShipState(b []byte, ss ShipState) []byte {
	b = appendMessage(b, fieldShipStateShip, appendShip(nil, ss.Ship))
	hits := make([]byte, len(ss.Hits))
	for i, h := range ss.Hits {
		if h {
			hits[i] = 1
		}
	}
	b = protowire.AppendTag(b, fieldShipStateHits, protowire.BytesType)
	b = protowire.AppendBytes(b, hits)
	return b
}

func appendView(b []byte, v View) []byte {
	b = appendVarintField(b, fieldViewRows, uint64(v.Rows))
	b = appendVarintField(b, fieldViewCols, uint64(v.Cols))

	// Packed cell states, row-major.
	var cells []byte
	for _, c := range v.Cells {
		cells = protowire.AppendVarint(cells, uint64(c))
	}
	b = protowire.AppendTag(b, fieldViewCells, protowire.BytesType)
	b = protowire.AppendBytes(b, cells)

	for _, ss := range v.Ships {
		b = appendMessage(b, fieldViewShips, appendShipState(nil, ss))
	}
	return b
}

func appendGameState(b []byte, gs *GameState) []byte {
	b = appendMessage(b, fieldGameStateOwn, appendView(nil, gs.Own))
	b = appendMessage(b, fieldGameStateOpponent, appendView(nil, gs.Opponent))
	return b
}

func appendTurn(b []byte, t Turn) []byte {
	return appendBoolField(b, fieldTurnOpponents, t.OpponentsTurn)
}

func appendShotResult(b []byte, sr *ShotResult) []byte {
	b = appendMessage(b, fieldResultShot, appendShot(nil, sr.Shot))
	b = appendBoolField(b, fieldResultHit, sr.Hit)
	if sr.SunkShip != nil {
		b = appendMessage(b, fieldResultSunk, appendShipState(nil, *sr.SunkShip))
	}
	return b
}

func appendGameOver(b []byte, g GameOver) []byte {
	return appendVarintField(b, fieldGameOverResult, uint64(g.Result))
}
