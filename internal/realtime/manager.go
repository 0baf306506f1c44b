// Package realtime speaks the line protocol between editors and the
// session registry over websockets.
//
// Client to server:
//
//	SESSIONKEY <key>
//	PING
//	CHANGE <baseRev> <selectionJSON> [<changeJSON>]
//
// Server to client:
//
//	HELLO <startJSON>
//	UPDATE <newRev> <sourceKey> <selectionsJSON> [<changeJSON>]
//	ACKCHANGE <baseRev> <newRev>
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hanwrite/api/internal/changeset"
	"hanwrite/api/internal/juggler"
)

// Registry is the part of the session registry the connections drive.
type Registry interface {
	StartSession(ctx context.Context, key string) (juggler.StartMessage, error)
	Ping(key string) bool
	ChangeReceived(ctx context.Context, key string, baseRev int, sel changeset.Selection, cs *changeset.ChangeSet) error
	CloseSession(key string)
}

type Options struct {
	// InactivityTimeout closes connections that sent nothing for this long.
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	// AllowedOrigins is a comma separated list. Empty or "*" allows any.
	AllowedOrigins string
	SendBuffer     int
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

const (
	reasonNoSession     = "We are not expecting a session with this key."
	reasonKeyTwice      = "Protocol violation: session key already announced"
	reasonNoKey         = "Protocol violation: announce your session key first"
	reasonNotOpen       = "This session is not open."
	reasonUnknown       = "Protocol violation: unknown message"
	reasonBinary        = "Protocol violation: only text messages are accepted"
	reasonBadChange     = "Invalid message: malformed change"
	reasonRejected      = "Your change was rejected."
	reasonInactive      = "Connection inactive"
	reasonShuttingDown  = "Server shutting down"
	reasonInternalError = "Internal error"
)

type Manager struct {
	registry Registry
	outbox   *Outbox
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
}

func NewManager(registry Registry, outbox *Outbox, opts Options) *Manager {
	m := &Manager{
		registry: registry,
		outbox:   outbox,
		opts:     opts.withDefaults(),
		peers:    make(map[*peer]struct{}),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(m.opts.AllowedOrigins)
	origin := r.Header.Get("Origin")
	if allowed == "" || allowed == "*" || origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

// ConnectionCount returns the number of open websocket connections.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// ServeWS upgrades the request and runs the connection until it ends.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("realtime: upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	p := newPeer(conn, r.RemoteAddr, m.opts.SendBuffer, m.opts.Now())

	m.mu.Lock()
	m.peers[p] = struct{}{}
	m.mu.Unlock()

	go p.writeLoop()
	m.readLoop(r.Context(), p)

	m.mu.Lock()
	delete(m.peers, p)
	key := p.sessionKey
	m.mu.Unlock()

	p.shutdown()
	<-p.writerDone
	if key != "" {
		m.registry.CloseSession(key)
	}
}

func (m *Manager) readLoop(ctx context.Context, p *peer) {
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) && !errors.Is(err, websocket.ErrCloseSent) {
				log.Printf("realtime: read from %s: %v", p.addr, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			p.close(reasonBinary)
			return
		}
		p.touch(m.opts.Now())
		if reason := m.handleMessage(ctx, p, string(data)); reason != "" {
			p.close(reason)
			return
		}
	}
}

// handleMessage processes one client message. A non-empty result is the
// reason the connection must be closed.
func (m *Manager) handleMessage(ctx context.Context, p *peer, msg string) string {
	if key, ok := strings.CutPrefix(msg, "SESSIONKEY "); ok {
		return m.handleSessionKey(ctx, p, strings.TrimSpace(key))
	}

	m.mu.Lock()
	key := p.sessionKey
	m.mu.Unlock()
	if key == "" {
		return reasonNoKey
	}

	switch {
	case msg == "PING":
		if !m.registry.Ping(key) {
			return reasonNotOpen
		}
		return ""
	case strings.HasPrefix(msg, "CHANGE "):
		return m.handleChange(ctx, key, strings.TrimPrefix(msg, "CHANGE "))
	default:
		return reasonUnknown
	}
}

func (m *Manager) handleSessionKey(ctx context.Context, p *peer, key string) string {
	// Held across StartSession so no update for this session can be routed
	// before the peer is keyed and HELLO is queued.
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.sessionKey != "" {
		return reasonKeyTwice
	}
	start, err := m.registry.StartSession(ctx, key)
	if err != nil {
		log.Printf("realtime: start session %s from %s: %v", key, p.addr, err)
		return reasonNoSession
	}
	data, err := json.Marshal(start)
	if err != nil {
		log.Printf("realtime: marshal start message: %v", err)
		m.registry.CloseSession(key)
		return reasonInternalError
	}
	p.sessionKey = key
	p.enqueue("HELLO " + string(data))
	return ""
}

func (m *Manager) handleChange(ctx context.Context, key, body string) string {
	revText, rest, ok := strings.Cut(body, " ")
	if !ok {
		return reasonBadChange
	}
	baseRev, err := strconv.Atoi(revText)
	if err != nil || baseRev < 0 {
		return reasonBadChange
	}

	dec := json.NewDecoder(strings.NewReader(rest))
	var sel changeset.Selection
	if err := dec.Decode(&sel); err != nil {
		return reasonBadChange
	}
	var cs *changeset.ChangeSet
	if tail := strings.TrimSpace(rest[dec.InputOffset():]); tail != "" {
		cs, err = changeset.Parse(tail)
		if err != nil {
			return reasonBadChange
		}
	}

	if err := m.registry.ChangeReceived(ctx, key, baseRev, sel, cs); err != nil {
		log.Printf("realtime: change from %s rejected: %v", key, err)
		if errors.Is(err, juggler.ErrSessionNotFound) {
			return reasonNotOpen
		}
		return reasonRejected
	}
	return ""
}

// Run delivers queued broadcasts and terminations and closes inactive
// connections until ctx is done. All connections are closed on exit.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.dispatch()
			m.closeAll(reasonShuttingDown)
			return
		case <-m.outbox.Ready():
			m.dispatch()
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) dispatch() {
	for _, item := range m.outbox.drain() {
		if item.broadcast != nil {
			m.deliver(*item.broadcast)
			continue
		}
		m.terminate(item.terminate, item.reason)
	}
}

func (m *Manager) deliver(b juggler.Broadcast) {
	receivers := make(map[string]bool, len(b.Receivers))
	for _, k := range b.Receivers {
		receivers[k] = true
	}

	var (
		updates []*peer
		source  []*peer
	)
	m.mu.Lock()
	for p := range m.peers {
		switch {
		case p.sessionKey == "":
		case p.sessionKey == b.SourceSessionKey:
			source = append(source, p)
		case receivers[p.sessionKey]:
			updates = append(updates, p)
		}
	}
	m.mu.Unlock()

	update := fmt.Sprintf("UPDATE %d %s %s", b.NewRevisionID, b.SourceSessionKey, b.SelectionsJSON)
	if b.ChangeJSON != "" {
		update += " " + b.ChangeJSON
	}
	for _, p := range updates {
		p.enqueue(update)
	}
	if b.ChangeJSON == "" {
		return
	}
	ack := fmt.Sprintf("ACKCHANGE %d %d", b.BaseRevisionID, b.NewRevisionID)
	for _, p := range source {
		p.enqueue(ack)
	}
}

func (m *Manager) terminate(keys []string, reason string) {
	doomed := make(map[string]bool, len(keys))
	for _, k := range keys {
		doomed[k] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.peers {
		if doomed[p.sessionKey] {
			p.close(reason)
		}
	}
}

func (m *Manager) sweepIdle() {
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.peers {
		if p.idleSince(now) > m.opts.InactivityTimeout {
			log.Printf("realtime: closing inactive connection %s", p.addr)
			p.close(reasonInactive)
		}
	}
}

func (m *Manager) closeAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.peers {
		p.close(reason)
	}
}
