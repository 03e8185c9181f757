package wire

import (
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestClientEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *ClientEnvelope
	}{
		{
			name: "heartbeat",
			env:  &ClientEnvelope{Heartbeat: &Heartbeat{}},
		},
		{
			name: "set ready",
			env: &ClientEnvelope{SetReady: &SetReady{
				Ships: []Ship{
					{Length: 2, Orientation: Horizontal, HeadRow: 0, HeadCol: 0},
					{Length: 3, Orientation: Vertical, HeadRow: 4, HeadCol: 7},
				},
			}},
		},
		{
			name: "shot",
			env:  &ClientEnvelope{Shot: &Shot{Row: 5, Col: 9}},
		},
		{
			name: "shot at origin",
			env:  &ClientEnvelope{Shot: &Shot{Row: 0, Col: 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeClient(tt.env)
			if err != nil {
				t.Fatalf("EncodeClient: %v", err)
			}
			got, err := DecodeClient(frame)
			if err != nil {
				t.Fatalf("DecodeClient: %v", err)
			}
			if !reflect.DeepEqual(got, tt.env) {
				t.Errorf("round trip = %+v, expected %+v", got, tt.env)
			}
		})
	}
}

func TestServerEnvelopeRoundTrip(t *testing.T) {
	view := View{
		Rows:  2,
		Cols:  2,
		Cells: []CellState{CellUntouched, CellMiss, CellHit, CellUntouched},
		Ships: []ShipState{
			{Ship: Ship{Length: 2, Orientation: Horizontal, HeadRow: 1, HeadCol: 0}, Hits: []bool{true, false}},
		},
	}

	tests := []struct {
		name string
		env  *ServerEnvelope
	}{
		{
			name: "heartbeat request",
			env:  &ServerEnvelope{TimestampMS: 1700000000123, HeartbeatRequest: &HeartbeatRequest{}},
		},
		{
			name: "opponent presence",
			env: &ServerEnvelope{TimestampMS: 42, OpponentPresence: &OpponentPresence{
				OpponentConnected:  true,
				InitiallyConnected: true,
			}},
		},
		{
			name: "ready state",
			env:  &ServerEnvelope{TimestampMS: 1, ReadyState: &ReadyState{ReadyCount: 2, SelfReady: true}},
		},
		{
			name: "game state",
			env:  &ServerEnvelope{TimestampMS: 7, GameState: &GameState{Own: view, Opponent: view}},
		},
		{
			name: "turn",
			env:  &ServerEnvelope{TimestampMS: 9, Turn: &Turn{OpponentsTurn: true}},
		},
		{
			name: "mirrored shot",
			env:  &ServerEnvelope{TimestampMS: 11, Shot: &Shot{Row: 3, Col: 1}},
		},
		{
			name: "shot result miss",
			env: &ServerEnvelope{TimestampMS: 13, ShotResult: &ShotResult{
				Shot: Shot{Row: 0, Col: 1},
				Hit:  false,
			}},
		},
		{
			name: "shot result sinking",
			env: &ServerEnvelope{TimestampMS: 15, ShotResult: &ShotResult{
				Shot:     Shot{Row: 1, Col: 1},
				Hit:      true,
				SunkShip: &ShipState{Ship: Ship{Length: 2, Orientation: Vertical, HeadRow: 0, HeadCol: 1}, Hits: []bool{true, true}},
			}},
		},
		{
			name: "game over",
			env:  &ServerEnvelope{TimestampMS: 17, GameOver: &GameOver{Result: ResultPremature}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeServer(tt.env)
			if err != nil {
				t.Fatalf("EncodeServer: %v", err)
			}
			got, err := DecodeServer(frame)
			if err != nil {
				t.Fatalf("DecodeServer: %v", err)
			}
			if !reflect.DeepEqual(got, tt.env) {
				t.Errorf("round trip = %+v, expected %+v", got, tt.env)
			}
		})
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	// A well-formed frame whose only payload uses a field number this
	// build does not know.
	frame := protowire.AppendTag(nil, 15, protowire.BytesType)
	frame = protowire.AppendBytes(frame, nil)

	if _, err := DecodeClient(frame); !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("DecodeClient(unknown tag) = %v, expected ErrUnknownVariant", err)
	}

	serverFrame := protowire.AppendTag(nil, fieldServerTimestamp, protowire.VarintType)
	serverFrame = protowire.AppendVarint(serverFrame, 99)
	serverFrame = protowire.AppendTag(serverFrame, 15, protowire.BytesType)
	serverFrame = protowire.AppendBytes(serverFrame, nil)

	if _, err := DecodeServer(serverFrame); !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("DecodeServer(unknown tag) = %v, expected ErrUnknownVariant", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := EncodeClient(&ClientEnvelope{SetReady: &SetReady{
		Ships: []Ship{{Length: 3, Orientation: Vertical, HeadRow: 2, HeadCol: 2}},
	}})
	if err != nil {
		t.Fatalf("EncodeClient: %v", err)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "truncated length-delimited payload", frame: valid[:len(valid)-3]},
		{name: "lone tag without value", frame: valid[:1]},
		{name: "zero field number", frame: []byte{0x00}},
		{name: "length prefix past end", frame: []byte{0x12, 0x7f, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeClient(tt.frame); !errors.Is(err, ErrMalformed) {
				t.Errorf("DecodeClient(%x) = %v, expected ErrMalformed", tt.frame, err)
			}
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	// A Shot payload that carries an extra field a newer client might
	// send; decoding must keep the known fields and drop the rest.
	body := protowire.AppendTag(nil, fieldShotRow, protowire.VarintType)
	body = protowire.AppendVarint(body, 4)
	body = protowire.AppendTag(body, fieldShotCol, protowire.VarintType)
	body = protowire.AppendVarint(body, 6)
	body = protowire.AppendTag(body, 9, protowire.VarintType)
	body = protowire.AppendVarint(body, 12345)

	frame := protowire.AppendTag(nil, protowire.Number(ClientTagShot), protowire.BytesType)
	frame = protowire.AppendBytes(frame, body)

	env, err := DecodeClient(frame)
	if err != nil {
		t.Fatalf("DecodeClient: %v", err)
	}
	if env.Shot == nil || env.Shot.Row != 4 || env.Shot.Col != 6 {
		t.Errorf("decoded shot = %+v, expected row 4 col 6", env.Shot)
	}
}

func TestVariantTags(t *testing.T) {
	client := &ClientEnvelope{Shot: &Shot{Row: 1, Col: 2}}
	if got := client.Variant(); got != ClientTagShot {
		t.Errorf("client Variant() = %d, expected %d", got, ClientTagShot)
	}
	if got := (&ClientEnvelope{}).Variant(); got != ClientTagNone {
		t.Errorf("empty client Variant() = %d, expected %d", got, ClientTagNone)
	}

	server := &ServerEnvelope{GameOver: &GameOver{Result: ResultWin}}
	if got := server.Variant(); got != ServerTagGameOver {
		t.Errorf("server Variant() = %d, expected %d", got, ServerTagGameOver)
	}
}

func TestEncodeEmptyEnvelopeFails(t *testing.T) {
	if _, err := EncodeClient(&ClientEnvelope{}); err == nil {
		t.Error("EncodeClient(empty) succeeded, expected error")
	}
	if _, err := EncodeServer(&ServerEnvelope{TimestampMS: 1}); err == nil {
		t.Error("EncodeServer(empty) succeeded, expected error")
	}
}
