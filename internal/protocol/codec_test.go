package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{"hello", Hello{Username: "ana", Credential: "s3cret"}},
		{"welcome from manager", Welcome{Token: "tok", Side: -1}},
		{"welcome from session", Welcome{Token: "tok", Side: 1}},
		{"pulse", Pulse{Timestamp: 1712345678901234567}},
		{"input", Input{Sequence: 42, Direction: DirUp}},
		{"state", State{
			Tick:     9001,
			Ball:     Vec{X: 320.125, Y: 0.1 + 0.2},
			Velocity: Vec{X: -300, Y: 89.99999999999999},
			Paddles:  [2]float64{210, 0},
			Scores:   [2]int{3, 9},
			Phase:    PhasePointScored,
			Acks:     [2]uint64{17, 4},
		}},
		{"redirect", Redirect{Address: "10.0.0.7", Port: 10042}},
		{"error", Error{Kind: KindAuthRequired, Message: "authentication required"}},
		{"error without message", Error{Kind: KindWaitingForOpponent}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.msg)
			require.NoError(t, err)
			require.LessOrEqual(t, len(raw), MaxDatagramSize)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestDecode_VersionMismatch(t *testing.T) {
	_, err := Decode([]byte(`{"v":2,"t":"pulse","p":{"ts":1}}`))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("want ErrVersionMismatch, got %v", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `hello there`},
		{"missing version", `{"t":"pulse","p":{"ts":1}}`},
		{"unknown type", `{"v":1,"t":"teleport","p":{}}`},
		{"payload not object", `{"v":1,"t":"pulse","p":[1,2]}`},
		{"missing payload", `{"v":1,"t":"pulse"}`},
		{"missing required field", `{"v":1,"t":"input","p":{"seq":3}}`},
		{"null required field", `{"v":1,"t":"input","p":{"seq":3,"dir":null}}`},
		{"ill-typed field", `{"v":1,"t":"input","p":{"seq":"three","dir":1}}`},
		{"direction out of range", `{"v":1,"t":"input","p":{"seq":3,"dir":4}}`},
		{"zero sequence", `{"v":1,"t":"input","p":{"seq":0,"dir":1}}`},
		{"unknown phase", `{"v":1,"t":"state","p":{"tick":1,"ball":{"x":0,"y":0},"vel":{"x":0,"y":0},"paddles":[0,0],"scores":[0,0],"phase":"halftime"}}`},
		{"unknown field", `{"v":1,"t":"pulse","p":{"ts":1,"extra":true}}`},
		{"empty username", `{"v":1,"t":"hello","p":{"username":"","credential":"x"}}`},
		{"bad port", `{"v":1,"t":"redirect","p":{"address":"h","port":70000}}`},
		{"oversize", `{"v":1,"t":"error","p":{"kind":"malformed","message":"` + strings.Repeat("x", MaxDatagramSize) + `"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncode_RejectsOversize(t *testing.T) {
	_, err := Encode(Error{Kind: KindMalformed, Message: strings.Repeat("x", MaxDatagramSize)})
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestEncode_StampsVersion(t *testing.T) {
	raw, err := Encode(Pulse{Timestamp: 5})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"v":1`)
	assert.Contains(t, string(raw), `"t":"pulse"`)
}
