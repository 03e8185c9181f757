package server

import (
	"github.com/lab1702/seabattle-server/game"
	"github.com/lab1702/seabattle-server/wire"
)

// Conversions between the domain model and the wire schema. The two
// sides deliberately do not share types: the wire stays frozen while
// the model is free to move.

func shipFromWire(s wire.Ship) game.Ship {
	orient := game.Horizontal
	if s.Orientation == wire.Vertical {
		orient = game.Vertical
	}
	return game.Ship{
		Length:  s.Length,
		Orient:  orient,
		HeadRow: s.HeadRow,
		HeadCol: s.HeadCol,
	}
}

func shipsFromWire(in []wire.Ship) []game.Ship {
	out := make([]game.Ship, len(in))
	for i, s := range in {
		out[i] = shipFromWire(s)
	}
	return out
}

func shipToWire(s game.Ship) wire.Ship {
	orient := wire.Horizontal
	if s.Orient == game.Vertical {
		orient = wire.Vertical
	}
	return wire.Ship{
		Length:      s.Length,
		Orientation: orient,
		HeadRow:     s.HeadRow,
		HeadCol:     s.HeadCol,
	}
}

func shipStateToWire(s game.ShipState) wire.ShipState {
	return wire.ShipState{Ship: shipToWire(s.Ship), Hits: append([]bool(nil), s.Hits...)}
}

func sunkShipToWire(s *game.ActiveShip) *wire.ShipState {
	if s == nil {
		return nil
	}
	return &wire.ShipState{Ship: shipToWire(s.Ship), Hits: s.Hits()}
}

func viewToWire(v game.View) wire.View {
	out := wire.View{
		Rows:  v.Rows,
		Cols:  v.Cols,
		Cells: make([]wire.CellState, len(v.Cells)),
	}
	// Both enums agree on the untouched, miss, hit order.
	for i, c := range v.Cells {
		out.Cells[i] = wire.CellState(c)
	}
	for _, s := range v.Ships {
		out.Ships = append(out.Ships, shipStateToWire(s))
	}
	return out
}

func outcomeToWire(o game.Outcome) wire.Result {
	switch o {
	case game.OutcomeWin:
		return wire.ResultWin
	case game.OutcomeLoss:
		return wire.ResultLoss
	}
	return wire.ResultPremature
}
