package wire

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeClient parses one client frame. A frame whose payload variant is
// unknown returns ErrUnknownVariant; structural damage returns
// ErrMalformed.
func DecodeClient(frame []byte) (*ClientEnvelope, error) {
	env := &ClientEnvelope{}
	rest := frame
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, malformed(n)
		}
		rest = rest[n:]

		switch ClientTag(num) {
		case ClientTagHeartbeat:
			if _, err := consumeMessage(&rest, typ); err != nil {
				return nil, err
			}
			env.Heartbeat = &Heartbeat{}
		case ClientTagSetReady:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			sr, err := parseSetReady(body)
			if err != nil {
				return nil, err
			}
			env.SetReady = sr
		case ClientTagShot:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			shot, err := parseShot(body)
			if err != nil {
				return nil, err
			}
			env.Shot = &shot
		default:
			if err := skipField(&rest, num, typ); err != nil {
				return nil, err
			}
		}
	}
	if env.Variant() == ClientTagNone {
		return nil, ErrUnknownVariant
	}
	return env, nil
}

// DecodeServer parses one server frame with the same tolerance rules as
// DecodeClient.
func DecodeServer(frame []byte) (*ServerEnvelope, error) {
	env := &ServerEnvelope{}
	rest := frame
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return nil, malformed(n)
		}
		rest = rest[n:]

		if num == fieldServerTimestamp {
			v, err := consumeVarint(&rest, typ)
			if err != nil {
				return nil, err
			}
			env.TimestampMS = int64(v)
			continue
		}

		switch ServerTag(num) {
		case ServerTagHeartbeatRequest:
			if _, err := consumeMessage(&rest, typ); err != nil {
				return nil, err
			}
			env.HeartbeatRequest = &HeartbeatRequest{}
		case ServerTagOpponentPresence:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			p, err := parsePresence(body)
			if err != nil {
				return nil, err
			}
			env.OpponentPresence = &p
		case ServerTagReadyState:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			rs, err := parseReadyState(body)
			if err != nil {
				return nil, err
			}
			env.ReadyState = &rs
		case ServerTagGameState:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			gs, err := parseGameState(body)
			if err != nil {
				return nil, err
			}
			env.GameState = gs
		case ServerTagTurn:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			t, err := parseTurn(body)
			if err != nil {
				return nil, err
			}
			env.Turn = &t
		case ServerTagShot:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			shot, err := parseShot(body)
			if err != nil {
				return nil, err
			}
			env.Shot = &shot
		case ServerTagShotResult:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			sr, err := parseShotResult(body)
			if err != nil {
				return nil, err
			}
			env.ShotResult = sr
		case ServerTagGameOver:
			body, err := consumeMessage(&rest, typ)
			if err != nil {
				return nil, err
			}
			g, err := parseGameOver(body)
			if err != nil {
				return nil, err
			}
			env.GameOver = &g
		default:
			if err := skipField(&rest, num, typ); err != nil {
				return nil, err
			}
		}
	}
	if env.Variant() == ServerTagNone {
		return nil, ErrUnknownVariant
	}
	return env, nil
}

func malformed(n int) error {
	return errors.WithMessage(ErrMalformed, protowire.ParseError(n).Error())
}

// consumeMessage reads a length-delimited field body and advances rest.
func consumeMessage(rest *[]byte, typ protowire.Type) ([]byte, error) {
	if typ != protowire.BytesType {
		return nil, errors.WithMessage(ErrMalformed, "field is not length-delimited")
	}
	body, n := protowire.ConsumeBytes(*rest)
	if n < 0 {
		return nil, malformed(n)
	}
	*rest = (*rest)[n:]
	return body, nil
}

func consumeVarint(rest *[]byte, typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, errors.WithMessage(ErrMalformed, "field is not a varint")
	}
	v, n := protowire.ConsumeVarint(*rest)
	if n < 0 {
		return 0, malformed(n)
	}
	*rest = (*rest)[n:]
	return v, nil
}

func skipField(rest *[]byte, num protowire.Number, typ protowire.Type) error {
	n := protowire.ConsumeFieldValue(num, typ, *rest)
	if n < 0 {
		return malformed(n)
	}
	*rest = (*rest)[n:]
	return nil
}

func parseShot(body []byte) (Shot, error) {
	var s Shot
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldShotRow:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			s.Row = int(v)
		case fieldShotCol:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			s.Col = int(v)
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return s, err
}

func parseShip(body []byte) (Ship, error) {
	var s Ship
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldShipLength, fieldShipOrientation, fieldShipHeadRow, fieldShipHeadCol:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			switch num {
			case fieldShipLength:
				s.Length = int(v)
			case fieldShipOrientation:
				s.Orientation = Orientation(v)
			case fieldShipHeadRow:
				s.HeadRow = int(v)
			case fieldShipHeadCol:
				s.HeadCol = int(v)
			}
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return s, err
}

func parseSetReady(body []byte) (*SetReady, error) {
	sr := &SetReady{}
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		if num != fieldSetReadyShips {
			return skipField(rest, num, typ)
		}
		shipBody, err := consumeMessage(rest, typ)
		if err != nil {
			return err
		}
		ship, err := parseShip(shipBody)
		if err != nil {
			return err
		}
		sr.Ships = append(sr.Ships, ship)
		return nil
	})
	return sr, err
}

func parsePresence(body []byte) (OpponentPresence, error) {
	var p OpponentPresence
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldPresenceConnected:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			p.OpponentConnected = protowire.DecodeBool(v)
		case fieldPresenceInitially:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			p.InitiallyConnected = protowire.DecodeBool(v)
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return p, err
}

func parseReadyState(body []byte) (ReadyState, error) {
	var rs ReadyState
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldReadyCount:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			rs.ReadyCount = int(v)
		case fieldReadySelf:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			rs.SelfReady = protowire.DecodeBool(v)
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return rs, err
}

func parseShipState(body []byte) (ShipState, error) {
	var ss ShipState
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldShipStateShip:
			shipBody, err := consumeMessage(rest, typ)
			if err != nil {
				return err
			}
			ship, err := parseShip(shipBody)
			if err != nil {
				return err
			}
			ss.Ship = ship
		case fieldShipStateHits:
			bits, err := consumeMessage(rest, typ)
			if err != nil {
				return err
			}
			ss.Hits = make([]bool, len(bits))
			for i, b := range bits {
				ss.Hits[i] = b != 0
			}
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return ss, err
}

func parseView(body []byte) (View, error) {
	var v View
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldViewRows:
			n, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			v.Rows = int(n)
		case fieldViewCols:
			n, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			v.Cols = int(n)
		case fieldViewCells:
			packed, err := consumeMessage(rest, typ)
			if err != nil {
				return err
			}
			for len(packed) > 0 {
				cell, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					return malformed(n)
				}
				packed = packed[n:]
				v.Cells = append(v.Cells, CellState(cell))
			}
		case fieldViewShips:
			ssBody, err := consumeMessage(rest, typ)
			if err != nil {
				return err
			}
			ss, err := parseShipState(ssBody)
			if err != nil {
				return err
			}
			v.Ships = append(v.Ships, ss)
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return v, err
}

func parseGameState(body []byte) (*GameState, error) {
	gs := &GameState{}
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldGameStateOwn, fieldGameStateOpponent:
			viewBody, err := consumeMessage(rest, typ)
			if err != nil {
				return err
			}
			view, err := parseView(viewBody)
			if err != nil {
				return err
			}
			if num == fieldGameStateOwn {
				gs.Own = view
			} else {
				gs.Opponent = view
			}
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return gs, err
}

func parseTurn(body []byte) (Turn, error) {
	var t Turn
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		if num != fieldTurnOpponents {
			return skipField(rest, num, typ)
		}
		v, err := consumeVarint(rest, typ)
		if err != nil {
			return err
		}
		t.OpponentsTurn = protowire.DecodeBool(v)
		return nil
	})
	return t, err
}

func parseShotResult(body []byte) (*ShotResult, error) {
	sr := &ShotResult{}
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		switch num {
		case fieldResultShot:
			shotBody, err := consumeMessage(rest, typ)
			if err != nil {
				return err
			}
			shot, err := parseShot(shotBody)
			if err != nil {
				return err
			}
			sr.Shot = shot
		case fieldResultHit:
			v, err := consumeVarint(rest, typ)
			if err != nil {
				return err
			}
			sr.Hit = protowire.DecodeBool(v)
		case fieldResultSunk:
			ssBody, err := consumeMessage(rest, typ)
			if err != nil {
				return err
			}
			ss, err := parseShipState(ssBody)
			if err != nil {
				return err
			}
			sr.SunkShip = &ss
		default:
			return skipField(rest, num, typ)
		}
		return nil
	})
	return sr, err
}

func parseGameOver(body []byte) (GameOver, error) {
	var g GameOver
	err := eachField(body, func(num protowire.Number, typ protowire.Type, rest *[]byte) error {
		if num != fieldGameOverResult {
			return skipField(rest, num, typ)
		}
		v, err := consumeVarint(rest, typ)
		if err != nil {
			return err
		}
		g.Result = Result(v)
		return nil
	})
	return g, err
}

// eachField drives a field loop over body, handing each tag to fn. fn must
// advance rest past the field's value.
func eachField(body []byte, fn func(num protowire.Number, typ protowire.Type, rest *[]byte) error) error {
	rest := body
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			return malformed(n)
		}
		rest = rest[n:]
		if err := fn(num, typ, &rest); err != nil {
			return err
		}
	}
	return nil
}
