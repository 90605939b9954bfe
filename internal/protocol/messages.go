package protocol

// Version is embedded in every envelope. Bump it whenever the wire format changes.
const Version = 1

// MaxDatagramSize keeps every message inside a single unfragmented UDP payload.
const MaxDatagramSize = 1200

type Type string

const (
	TypeHello    Type = "hello"
	TypeWelcome  Type = "welcome"
	TypePulse    Type = "pulse"
	TypeInput    Type = "input"
	TypeState    Type = "state"
	TypeRedirect Type = "redirect"
	TypeError    Type = "error"
)

// Message is the closed set of wire messages.
type Message interface {
	Type() Type
	isMessage()
}

type Hello struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

type Welcome struct {
	Token string `json:"token"`
	Side  int    `json:"side"`
}

type Pulse struct {
	Timestamp int64 `json:"ts"`
}

type Direction int8

const (
	DirUp   Direction = -1
	DirNone Direction = 0
	DirDown Direction = 1
)

type Input struct {
	Sequence  uint64    `json:"seq"`
	Direction Direction `json:"dir"`
}

type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Phase string

const (
	PhaseCountdown   Phase = "countdown"
	PhasePlaying     Phase = "playing"
	PhasePointScored Phase = "point_scored"
	PhaseGameOver    Phase = "game_over"
)

type State struct {
	Tick     uint64     `json:"tick"`
	Ball     Vec        `json:"ball"`
	Velocity Vec        `json:"vel"`
	Paddles  [2]float64 `json:"paddles"`
	Scores   [2]int     `json:"scores"`
	Phase    Phase      `json:"phase"`
	Acks     [2]uint64  `json:"acks"`
}

type Redirect struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type ErrorKind string

const (
	KindAuthRequired         ErrorKind = "auth_required"
	KindVersionMismatch      ErrorKind = "version_mismatch"
	KindMalformed            ErrorKind = "malformed"
	KindWaitingForOpponent   ErrorKind = "waiting_for_opponent"
	KindOpponentDisconnected ErrorKind = "opponent_disconnected"
	KindSessionFull          ErrorKind = "session_full"
	KindServerShutdown       ErrorKind = "server_shutdown"
	KindLobbyUnavailable     ErrorKind = "lobby_unavailable"
)

type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message,omitempty"`
}

func (Hello) Type() Type    { return TypeHello }
func (Welcome) Type() Type  { return TypeWelcome }
func (Pulse) Type() Type    { return TypePulse }
func (Input) Type() Type    { return TypeInput }
func (State) Type() Type    { return TypeState }
func (Redirect) Type() Type { return TypeRedirect }
func (Error) Type() Type    { return TypeError }

func (Hello) isMessage()    {}
func (Welcome) isMessage()  {}
func (Pulse) isMessage()    {}
func (Input) isMessage()    {}
func (State) isMessage()    {}
func (Redirect) isMessage() {}
func (Error) isMessage()    {}
