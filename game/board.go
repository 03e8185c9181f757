package game

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Board and shot errors. Callers match these with errors.Is; the
// wrapped message carries the coordinates.
var (
	ErrInvalidPlacement = errors.New("invalid ship placement")
	ErrInvalidShot      = errors.New("shot outside the grid")
	ErrAlreadyShot      = errors.New("cell was already shot")
	ErrNoLegalShot      = errors.New("no untouched cell left")
)

// CellState is what a shot history records for one cell.
type CellState int

const (
	CellUntouched CellState = iota
	CellMiss
	CellHit
)

// ActiveShip is a placed ship plus its per-segment hit record.
type ActiveShip struct {
	Ship
	hits []bool
}

// Sunk reports whether every segment has been hit.
func (s *ActiveShip) Sunk() bool {
	for _, h := range s.hits {
		if !h {
			return false
		}
	}
	return true
}

// Hits returns a copy of the per-segment hit flags, head first.
func (s *ActiveShip) Hits() []bool {
	out := make([]bool, len(s.hits))
	copy(out, s.hits)
	return out
}

// ShipState is a ship together with its hit record, as exposed in views.
type ShipState struct {
	Ship Ship
	Hits []bool
}

// View is a board snapshot prepared for one side of the match. The
// owner's view lists every ship; the opponent's view lists only sunk
// ships, so unsunk positions stay hidden.
type View struct {
	Rows  int
	Cols  int
	Cells []CellState
	Ships []ShipState
}

type boardCell struct {
	ship    *ActiveShip
	segment int
	state   CellState
}

// Board is one player's fleet laid out on a rows by cols grid together
// with the full shot history against it. It is not safe for concurrent
// use; the owning match serializes access.
type Board struct {
	rows      int
	cols      int
	cells     []boardCell
	ships     []*ActiveShip
	untouched int
}

// NewBoard lays ships out on a rows by cols grid. It fails with
// ErrInvalidPlacement when the grid is out of range, a ship has no
// length, a segment falls off the grid, or two ships overlap. Ships
// touching side by side are allowed.
func NewBoard(rows, cols int, ships []Ship) (*Board, error) {
	if rows < MinGridSize || rows > MaxGridSize || cols < MinGridSize || cols > MaxGridSize {
		return nil, errors.Wrapf(ErrInvalidPlacement, "grid %dx%d out of range", rows, cols)
	}
	b := &Board{
		rows:      rows,
		cols:      cols,
		cells:     make([]boardCell, rows*cols),
		untouched: rows * cols,
	}
	for _, s := range ships {
		if s.Length < 1 {
			return nil, errors.Wrapf(ErrInvalidPlacement, "ship at (%d,%d) has length %d", s.HeadRow, s.HeadCol, s.Length)
		}
		active := &ActiveShip{Ship: s, hits: make([]bool, s.Length)}
		for i := 0; i < s.Length; i++ {
			r, c := s.Cell(i)
			if r < 0 || r >= rows || c < 0 || c >= cols {
				return nil, errors.Wrapf(ErrInvalidPlacement, "ship at (%d,%d) leaves the %dx%d grid", s.HeadRow, s.HeadCol, rows, cols)
			}
			cell := &b.cells[r*cols+c]
			if cell.ship != nil {
				return nil, errors.Wrapf(ErrInvalidPlacement, "ships overlap at (%d,%d)", r, c)
			}
			cell.ship = active
			cell.segment = i
		}
		b.ships = append(b.ships, active)
	}
	return b, nil
}

// Rows returns the grid height.
func (b *Board) Rows() int { return b.rows }

// Cols returns the grid width.
func (b *Board) Cols() int { return b.cols }

// ShootAt resolves a shot against the board. It reports whether the
// shot hit a ship and, when it sank one, returns that ship. Shots off
// the grid fail with ErrInvalidShot; repeat shots at the same cell
// fail with ErrAlreadyShot and change nothing.
func (b *Board) ShootAt(row, col int) (hit bool, sunk *ActiveShip, err error) {
	if row < 0 || row >= b.rows || col < 0 || col >= b.cols {
		return false, nil, errors.Wrapf(ErrInvalidShot, "(%d,%d) on a %dx%d grid", row, col, b.rows, b.cols)
	}
	cell := &b.cells[row*b.cols+col]
	if cell.state != CellUntouched {
		return false, nil, errors.Wrapf(ErrAlreadyShot, "(%d,%d)", row, col)
	}
	b.untouched--
	if cell.ship == nil {
		cell.state = CellMiss
		return false, nil, nil
	}
	cell.state = CellHit
	cell.ship.hits[cell.segment] = true
	if cell.ship.Sunk() {
		return true, cell.ship, nil
	}
	return true, nil, nil
}

// AllSunk reports whether every ship on the board has been sunk.
func (b *Board) AllSunk() bool {
	for _, s := range b.ships {
		if !s.Sunk() {
			return false
		}
	}
	return true
}

// OwnView is the board as its owner sees it: every ship and the full
// shot history.
func (b *Board) OwnView() View {
	return b.view(true)
}

// OpponentView is the board as the opposing player sees it: the full
// shot history but only the sunk ships.
func (b *Board) OpponentView() View {
	return b.view(false)
}

func (b *Board) view(all bool) View {
	v := View{
		Rows:  b.rows,
		Cols:  b.cols,
		Cells: make([]CellState, len(b.cells)),
	}
	for i := range b.cells {
		v.Cells[i] = b.cells[i].state
	}
	for _, s := range b.ships {
		if all || s.Sunk() {
			v.Ships = append(v.Ships, ShipState{Ship: s.Ship, Hits: s.Hits()})
		}
	}
	return v
}

// RandomShot picks a uniformly random untouched cell. It fails with
// ErrNoLegalShot once the whole grid has been shot.
func (b *Board) RandomShot(rng *rand.Rand) (row, col int, err error) {
	if b.untouched == 0 {
		return 0, 0, ErrNoLegalShot
	}
	n := rng.Intn(b.untouched)
	for i := range b.cells {
		if b.cells[i].state != CellUntouched {
			continue
		}
		if n == 0 {
			return i / b.cols, i % b.cols, nil
		}
		n--
	}
	return 0, 0, ErrNoLegalShot
}
