// Package protocol defines the datagram messages exchanged between pong
// clients, the lobby manager and game sessions.
//
// Every datagram is one JSON envelope:
//
//	{"v": 1, "t": "<type>", "p": {...}}
//
// Client -> Server
// hello:
//
//	username: string
//	credential: string   // password for the manager, session token for a session
//
// input:
//
//	seq: number          // strictly increasing per client, starts at 1
//	dir: -1 | 0 | 1      // up, none, down
//
// pulse:
//
//	ts: number           // unix nanoseconds, echoed back by the server
//
// Server -> Client
// welcome:
//
//	token: string
//	side: -1 | 0 | 1     // -1 from the manager, paddle side from a session
//
// redirect:
//
//	address: string
//	port: number
//
// state:
//
//	tick: number
//	ball: {x, y}
//	vel: {x, y}
//	paddles: [left_y, right_y]
//	scores: [left, right]
//	phase: "countdown" | "playing" | "point_scored" | "game_over"
//	acks: [left_seq, right_seq]  // last applied input per side
//
// error:
//
//	kind: string
//	message: string
package protocol
