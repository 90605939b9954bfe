// Package hub is the lobby manager: it authenticates players on the public
// socket, pairs them in arrival order and runs one session per pair.
package hub

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/auth"
	"github.com/DoyleJ11/pong-sync/internal/config"
	"github.com/DoyleJ11/pong-sync/internal/engine"
	"github.com/DoyleJ11/pong-sync/internal/events"
	"github.com/DoyleJ11/pong-sync/internal/lobby"
	"github.com/DoyleJ11/pong-sync/internal/protocol"
	"github.com/DoyleJ11/pong-sync/internal/session"
	"github.com/DoyleJ11/pong-sync/internal/store"
	"github.com/DoyleJ11/pong-sync/internal/transport"
)

var ErrCapacityExceeded = errors.New("lobby capacity exceeded")

type HubMsg interface{ isHubMsg() }

// GetLobbies answers with copies of every registry entry.
type GetLobbies struct {
	Reply chan []lobby.View
}

// GetQueue answers with the queued usernames, oldest first.
type GetQueue struct {
	Reply chan QueueView
}

// QueueView is the waiting queue plus how many players the manager tracks.
type QueueView struct {
	Waiting []string `json:"waiting"`
	Players int      `json:"players"`
}

type ShutdownHub struct{}

type authResult struct {
	username string
	addr     net.Addr
	userID   store.UserID
	ok       bool
	err      error
}

type sessionSignal struct {
	sig session.Signal
}

type recorded struct {
	lobbyID string
	err     error
}

func (GetLobbies) isHubMsg()    {}
func (GetQueue) isHubMsg()      {}
func (ShutdownHub) isHubMsg()   {}
func (authResult) isHubMsg()    {}
func (sessionSignal) isHubMsg() {}
func (recorded) isHubMsg()      {}

type Options struct {
	Server config.Server
	Game   config.Game
	// StoreTimeout bounds each store call, retries included.
	StoreTimeout time.Duration
	// Conn is the public socket. The hub owns it once Run starts.
	Conn      net.PacketConn
	Listen    transport.ListenFunc
	Store     store.Store
	Issuer    *auth.Issuer
	Publisher events.Publisher
	Clock     clockwork.Clock
	NewRand   func() engine.Rand
	Logger    *zap.Logger
}

type player struct {
	username string
	userID   store.UserID
	addr     net.Addr
	token    string
	lastSeen time.Time
	queued   bool
	lobbyID  string
}

type entry struct {
	rec  *lobby.Lobby
	sess *session.Session
}

type Hub struct {
	opts    Options
	log     *zap.Logger
	inbox   chan HubMsg
	packets chan transport.Datagram

	players map[string]*player
	byAddr  map[string]*player
	queue   []*player
	lobbies map[string]*entry
	ports   *lobby.PortPool
	authing map[string]struct{}

	// startSession launches a created session; tests replace it to hold a
	// lobby in WAITING.
	startSession func(*session.Session)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(parent context.Context, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.NewRand == nil {
		opts.NewRand = func() engine.Rand { return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) }
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(parent)
	return &Hub{
		opts:         opts,
		log:          opts.Logger,
		inbox:        make(chan HubMsg, 64),
		packets:      make(chan transport.Datagram, 256),
		players:      make(map[string]*player),
		byAddr:       make(map[string]*player),
		lobbies:      make(map[string]*entry),
		ports:        lobby.NewPortPool(opts.Server.PortMin, opts.Server.PortMax),
		authing:      make(map[string]struct{}),
		startSession: (*session.Session).Start,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Run serves the public socket until ctx ends or ShutdownHub arrives. Every
// session is stopped and its socket closed before Run returns.
func (h *Hub) Run() error {
	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- transport.Pump(h.ctx, h.opts.Conn, h.packets, h.opts.Server.ReadBuffer, func() {
			h.log.Warn("manager inbox full, dropping datagram")
		})
	}()

	lobbyCheck := h.opts.Clock.NewTicker(h.opts.Server.LobbyCheckInterval)
	defer lobbyCheck.Stop()
	waitingCheck := h.opts.Clock.NewTicker(h.opts.Server.WaitingCheckInterval)
	defer waitingCheck.Stop()

	h.log.Info("lobby manager listening",
		zap.Stringer("addr", h.opts.Conn.LocalAddr()),
		zap.Int("port_min", h.opts.Server.PortMin),
		zap.Int("port_max", h.opts.Server.PortMax),
	)

	for {
		select {
		case <-h.ctx.Done():
			return multierr.Append(h.shutdown(), <-pumpErr)

		case d := <-h.packets:
			h.handleDatagram(d)

		case <-lobbyCheck.Chan():
			h.sweepLobbies(h.opts.Clock.Now())
			h.pair()

		case <-waitingCheck.Chan():
			h.sweepPlayers(h.opts.Clock.Now())
			h.pair()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case authResult:
				h.handleAuth(msg)

			case sessionSignal:
				h.handleSignal(msg.sig)

			case recorded:
				if msg.err != nil {
					h.log.Error("recording match result failed", zap.String("lobby_id", msg.lobbyID), zap.Error(msg.err))
				}

			case GetLobbies:
				views := make([]lobby.View, 0, len(h.lobbies))
				for _, e := range h.lobbies {
					views = append(views, e.rec.View())
				}
				msg.Reply <- views

			case GetQueue:
				names := make([]string, 0, len(h.queue))
				for _, p := range h.queue {
					names = append(names, p.username)
				}
				msg.Reply <- QueueView{Waiting: names, Players: len(h.players)}

			case ShutdownHub:
				h.cancel()
			}
		}
	}
}

func (h *Hub) post(m HubMsg) { h.postFrom(h.ctx, m) }

// postFrom gives up when either the hub or the sender's ctx ends.
func (h *Hub) postFrom(ctx context.Context, m HubMsg) {
	select {
	case h.inbox <- m:
	case <-h.ctx.Done():
	case <-ctx.Done():
	}
}

func (h *Hub) handleDatagram(d transport.Datagram) {
	msg, err := protocol.Decode(d.Data)
	if errors.Is(err, protocol.ErrVersionMismatch) {
		h.send(d.Addr, protocol.Error{Kind: protocol.KindVersionMismatch, Message: err.Error()})
		return
	}
	if err != nil {
		h.log.Debug("dropping datagram", zap.Stringer("from", d.Addr), zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case protocol.Hello:
		h.handleHello(d.Addr, m)

	case protocol.Pulse:
		if p := h.playerAt(d.Addr); p != nil {
			p.lastSeen = h.opts.Clock.Now()
		}
		h.send(d.Addr, m)

	default:
		h.log.Debug("unexpected message on manager socket", zap.String("type", string(m.Type())), zap.Stringer("from", d.Addr))
	}
}

// handleHello starts an authentication off-loop; the result comes back as an
// authResult.
func (h *Hub) handleHello(addr net.Addr, m protocol.Hello) {
	name, err := auth.NormalizeUsername(m.Username)
	if err != nil {
		h.send(addr, protocol.Error{Kind: protocol.KindAuthRequired, Message: "invalid username"})
		return
	}

	key := name + "|" + addr.String()
	if _, busy := h.authing[key]; busy {
		return
	}
	h.authing[key] = struct{}{}

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.opts.StoreTimeout)
		defer cancel()
		id, ok, err := authenticate(ctx, h.opts.Store, name, m.Credential)
		h.post(authResult{username: name, addr: addr, userID: id, ok: ok, err: err})
	}()
}

// authenticate signs unknown usernames up on first contact.
func authenticate(ctx context.Context, s store.Store, username, credential string) (store.UserID, bool, error) {
	id, ok, err := s.Authenticate(ctx, username, credential)
	if !errors.Is(err, store.ErrNotFound) {
		return id, ok, err
	}
	id, err = s.Register(ctx, username, credential)
	if errors.Is(err, store.ErrUsernameTaken) {
		// lost a race with another first login
		return s.Authenticate(ctx, username, credential)
	}
	return id, err == nil, err
}

func (h *Hub) handleAuth(r authResult) {
	delete(h.authing, r.username+"|"+r.addr.String())
	log := h.log.With(zap.String("username", r.username), zap.Stringer("addr", r.addr))

	if r.err != nil {
		log.Warn("authentication failed", zap.Error(r.err))
		h.send(r.addr, protocol.Error{Kind: protocol.KindLobbyUnavailable, Message: "account store unavailable"})
		return
	}
	if !r.ok {
		log.Info("wrong credential")
		h.send(r.addr, protocol.Error{Kind: protocol.KindAuthRequired})
		return
	}

	now := h.opts.Clock.Now()
	p := h.players[r.username]
	if p == nil {
		p = &player{username: r.username}
		h.players[r.username] = p
	}
	if p.addr != nil && !transport.SameAddr(p.addr, r.addr) {
		log.Info("player reconnected from new address", zap.Stringer("old_addr", p.addr))
	}
	h.bind(p, r.addr)
	p.userID = r.userID
	p.lastSeen = now

	token, err := h.opts.Issuer.Issue(p.username, int64(p.userID))
	if err != nil {
		log.Error("issuing session token failed", zap.Error(err))
		h.send(r.addr, protocol.Error{Kind: protocol.KindAuthRequired})
		return
	}
	p.token = token
	h.send(r.addr, protocol.Welcome{Token: token, Side: -1})

	if e := h.lobbies[p.lobbyID]; e != nil && e.rec.State != lobby.StateCompleted {
		if e.rec.State == lobby.StateActive {
			h.send(r.addr, h.redirect(e.rec))
		}
		return
	}
	p.lobbyID = ""

	if p.queued {
		h.send(r.addr, protocol.Error{Kind: protocol.KindWaitingForOpponent})
		return
	}

	h.enqueue(p)
	log.Info("player queued", zap.Int("queue_len", len(h.queue)))
	h.publish(events.Event{Kind: events.KindQueued, Username: p.username})
	if len(h.queue) == 1 {
		h.send(r.addr, protocol.Error{Kind: protocol.KindWaitingForOpponent})
	}
	h.pair()
}

func (h *Hub) enqueue(p *player) {
	if p.queued {
		return
	}
	p.queued = true
	h.queue = append(h.queue, p)
}

// pair takes the two oldest queued players while lobbies can be created.
// On failure both stay at the head of the queue until the next pass.
func (h *Hub) pair() {
	for len(h.queue) >= 2 {
		a, b := h.queue[0], h.queue[1]
		if err := h.createLobby(a, b); err != nil {
			h.log.Warn("cannot create lobby", zap.Error(err), zap.Int("queue_len", len(h.queue)))
			return
		}
		a.queued, b.queued = false, false
		h.queue = h.queue[2:]
	}
}

func (h *Hub) createLobby(a, b *player) error {
	live := 0
	for _, e := range h.lobbies {
		if e.rec.State != lobby.StateCompleted {
			live++
		}
	}
	if live >= h.opts.Server.MaxLobbies {
		return ErrCapacityExceeded
	}

	port, conn, err := h.ports.Acquire(h.opts.Listen)
	if err != nil {
		return err
	}

	now := h.opts.Clock.Now()
	rec := lobby.New(port, [2]lobby.Member{
		{Username: a.username, UserID: int64(a.userID)},
		{Username: b.username, UserID: int64(b.userID)},
	}, now)

	g := h.opts.Game
	sess := session.New(h.ctx, session.Options{
		LobbyID:           rec.ID,
		Members:           rec.Usernames(),
		Conn:              conn,
		Issuer:            h.opts.Issuer,
		Rules:             g.Rules(),
		TickInterval:      g.TickInterval(),
		PlayerTimeout:     g.PlayerTimeout,
		MaxPacketsPerTick: g.MaxPacketsPerTick,
		BroadcastEvery:    g.BroadcastEvery,
		ReadBuffer:        h.opts.Server.ReadBuffer,
		Clock:             h.opts.Clock,
		Rand:              h.opts.NewRand(),
		Logger:            h.log,
		Notify: func(ctx context.Context, sig session.Signal) {
			h.postFrom(ctx, sessionSignal{sig: sig})
		},
	})

	h.lobbies[rec.ID] = &entry{rec: rec, sess: sess}
	a.lobbyID, b.lobbyID = rec.ID, rec.ID
	h.startSession(sess)

	h.log.Info("lobby created",
		zap.String("lobby_id", rec.ID),
		zap.Int("port", port),
		zap.Strings("members", []string{a.username, b.username}),
	)
	h.publishLobby(events.KindCreated, rec)
	return nil
}

func (h *Hub) handleSignal(sig session.Signal) {
	switch s := sig.(type) {
	case session.Ready:
		e := h.lobbies[s.LobbyID]
		if e == nil {
			return
		}
		if err := e.rec.Activate(h.opts.Clock.Now()); err != nil {
			h.log.Warn("ignoring ready", zap.String("lobby_id", s.LobbyID), zap.Error(err))
			return
		}
		for _, name := range e.rec.Usernames() {
			if p := h.players[name]; p != nil && p.lobbyID == e.rec.ID {
				h.send(p.addr, h.redirect(e.rec))
			}
		}
		h.publishLobby(events.KindActive, e.rec)

	case session.Ended:
		e := h.lobbies[s.LobbyID]
		if e == nil {
			return
		}
		if err := e.rec.Complete(s.Outcome, h.opts.Clock.Now()); err != nil {
			h.log.Warn("ignoring end", zap.String("lobby_id", s.LobbyID), zap.Error(err))
			return
		}
		for _, name := range e.rec.Usernames() {
			if p := h.players[name]; p != nil && p.lobbyID == e.rec.ID {
				p.lobbyID = ""
			}
		}
		h.publishLobby(events.KindCompleted, e.rec)
		if s.Outcome.Decided() {
			h.record(e.rec)
		}
	}
}

// record stores both players' results off-loop. The lobby id doubles as the
// match id so a retried write is applied once.
func (h *Hub) record(rec *lobby.Lobby) {
	o := *rec.Outcome
	results := make(map[store.UserID]store.Outcome, 2)
	for _, m := range rec.Members {
		if m.Username == o.Winner {
			results[store.UserID(m.UserID)] = store.OutcomeWin
		} else {
			results[store.UserID(m.UserID)] = store.OutcomeLoss
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.opts.StoreTimeout)
		defer cancel()
		var err error
		for id, outcome := range results {
			err = multierr.Append(err, h.opts.Store.RecordResult(ctx, id, store.Result{MatchID: rec.ID, Outcome: outcome}))
		}
		h.post(recorded{lobbyID: rec.ID, err: err})
	}()
}

func (h *Hub) sweepLobbies(now time.Time) {
	srv := h.opts.Server
	for id, e := range h.lobbies {
		if !e.rec.Expired(now, srv.LobbyStartTimeout, srv.LobbyCleanupTimeout) {
			continue
		}

		if e.rec.State == lobby.StateWaiting {
			h.log.Warn("lobby never started", zap.String("lobby_id", id))
			h.requeueMembers(e.rec, now)
		}
		if err := e.sess.Close(); err != nil {
			h.log.Debug("closing session socket", zap.String("lobby_id", id), zap.Error(err))
		}
		h.ports.Release(e.rec.Port)
		delete(h.lobbies, id)
		h.publishLobby(events.KindRemoved, e.rec)
	}
}

// requeueMembers puts still-live members of a failed lobby back at the head
// of the queue in their original order.
func (h *Hub) requeueMembers(rec *lobby.Lobby, now time.Time) {
	var back []*player
	for _, name := range rec.Usernames() {
		p := h.players[name]
		if p == nil || p.lobbyID != rec.ID {
			continue
		}
		p.lobbyID = ""
		if now.Sub(p.lastSeen) > h.opts.Server.WaitingTimeout {
			h.forget(p)
			continue
		}
		p.queued = true
		back = append(back, p)
	}
	h.queue = append(back, h.queue...)
}

// sweepPlayers drops queued players that went quiet, and forgets players
// that are neither queued nor in a lobby once they have been idle as long.
func (h *Hub) sweepPlayers(now time.Time) {
	idle := func(p *player) bool { return now.Sub(p.lastSeen) > h.opts.Server.WaitingTimeout }

	kept := h.queue[:0]
	for _, p := range h.queue {
		if idle(p) {
			h.log.Info("dropping idle queued player", zap.String("username", p.username))
			p.queued = false
			h.forget(p)
			h.publish(events.Event{Kind: events.KindExpired, Username: p.username})
			continue
		}
		kept = append(kept, p)
	}
	h.queue = kept

	for _, p := range h.players {
		if !p.queued && p.lobbyID == "" && idle(p) {
			h.forget(p)
		}
	}
}

// bind points p, and only p, at addr.
func (h *Hub) bind(p *player, addr net.Addr) {
	if p.addr != nil && h.byAddr[p.addr.String()] == p {
		delete(h.byAddr, p.addr.String())
	}
	p.addr = addr
	h.byAddr[addr.String()] = p
}

func (h *Hub) forget(p *player) {
	delete(h.players, p.username)
	if p.addr != nil && h.byAddr[p.addr.String()] == p {
		delete(h.byAddr, p.addr.String())
	}
}

func (h *Hub) shutdown() error {
	h.log.Info("lobby manager shutting down", zap.Int("lobbies", len(h.lobbies)))
	for _, p := range h.queue {
		h.send(p.addr, protocol.Error{Kind: protocol.KindServerShutdown})
	}

	var err error
	for id, e := range h.lobbies {
		if cerr := e.sess.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close lobby %s: %w", id, cerr))
		}
		h.ports.Release(e.rec.Port)
	}
	clear(h.lobbies)
	h.queue = nil

	if cerr := h.opts.Conn.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close manager socket: %w", cerr))
	}
	return err
}

func (h *Hub) redirect(rec *lobby.Lobby) protocol.Redirect {
	return protocol.Redirect{Address: h.opts.Server.PublicAddress, Port: rec.Port}
}

func (h *Hub) playerAt(addr net.Addr) *player {
	return h.byAddr[addr.String()]
}

func (h *Hub) send(addr net.Addr, m protocol.Message) {
	if err := transport.Send(h.opts.Conn, addr, m); err != nil {
		h.log.Debug("send failed", zap.Stringer("to", addr), zap.Error(err))
	}
}

func (h *Hub) publishLobby(kind events.Kind, rec *lobby.Lobby) {
	v := rec.View()
	h.publish(events.Event{Kind: kind, Lobby: &v})
}

func (h *Hub) publish(e events.Event) {
	e.At = h.opts.Clock.Now()
	if err := h.opts.Publisher.Publish(h.ctx, e); err != nil {
		h.log.Debug("publishing lobby event failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// Lobbies returns a snapshot of the registry.
func (h *Hub) Lobbies(ctx context.Context) ([]lobby.View, error) {
	reply := make(chan []lobby.View, 1)
	select {
	case h.inbox <- GetLobbies{Reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Queue returns the queued usernames, oldest first, and the number of
// players the manager tracks.
func (h *Hub) Queue(ctx context.Context) (QueueView, error) {
	reply := make(chan QueueView, 1)
	select {
	case h.inbox <- GetQueue{Reply: reply}:
	case <-ctx.Done():
		return QueueView{}, ctx.Err()
	}
	select {
	case q := <-reply:
		return q, nil
	case <-ctx.Done():
		return QueueView{}, ctx.Err()
	}
}
