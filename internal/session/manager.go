// Package session groups clients into matches, walks each match through its
// lifecycle, and evicts participants that stop responding. It is the only
// component that mutates session membership or scope bindings.
package session

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsemesh/gamecast/internal/hub"
	"github.com/pulsemesh/gamecast/internal/ledger"
	"github.com/pulsemesh/gamecast/internal/proto"
	"github.com/pulsemesh/gamecast/internal/slots"
)

var (
	ErrUnknownCategory = errors.New("unknown category")
	ErrAlreadyQueued   = errors.New("connection already queued or in a match")
	ErrNotInMatch      = errors.New("connection not in a match")
	ErrNotStartable    = errors.New("match is not ready to start")
)

// End reasons carried on match.ended broadcasts. Raw internal errors never
// leave the server.
const (
	ReasonCompleted = "completed"
	ReasonAborted   = "aborted"
	ReasonNotViable = "not_viable"
)

// Eviction reasons carried on player.left broadcasts.
const (
	ReasonDisconnected = "disconnected"
	ReasonUnresponsive = "unresponsive"
	ReasonBridgeFailed = "bridge_failed"
)

// Bridges is the slice of the worker supervisor the manager drives.
type Bridges interface {
	Spawn(kind string, slot int) error
	Stop(slot int)
	Input(slot int, data []byte) error
}

// Wire is the slice of the hub the manager drives.
type Wire interface {
	Send(scope hub.Scope, payload []byte)
	BindConn(connID, sessionID string)
	UnbindConn(connID string)
}

type waiting struct {
	connID   string
	monogram string
}

type Manager struct {
	mu         sync.Mutex
	categories map[string]Category
	queues     map[string][]waiting
	sessions   map[string]*Session
	byConn     map[string]*Session
	bySlot     map[int]*Session
	watchers   map[string][]string

	pool    *slots.Pool
	bridges Bridges
	wire    Wire
	scores  ledger.Ledger
	log     *zap.Logger

	grace time.Duration
	now   func() time.Time
}

func NewManager(pool *slots.Pool, bridges Bridges, wire Wire, scores ledger.Ledger, grace time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		categories: make(map[string]Category),
		queues:     make(map[string][]waiting),
		sessions:   make(map[string]*Session),
		byConn:     make(map[string]*Session),
		bySlot:     make(map[int]*Session),
		watchers:   make(map[string][]string),
		pool:       pool,
		bridges:    bridges,
		wire:       wire,
		scores:     scores,
		grace:      grace,
		now:        time.Now,
		log:        log,
	}
}

func (m *Manager) RegisterCategory(c Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.Name] = c
}

// Enqueue puts a connection into the matchmaking queue for a category. When
// enough compatible players are waiting and the slot pool admits them, a
// match is created.
func (m *Manager) Enqueue(connID, monogram, category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cat, ok := m.categories[category]
	if !ok {
		return ErrUnknownCategory
	}
	if m.byConn[connID] != nil || m.queuedLocked(connID) {
		return ErrAlreadyQueued
	}

	m.queues[category] = append(m.queues[category], waiting{connID: connID, monogram: monogram})
	m.tryMatchLocked(cat)
	return nil
}

func (m *Manager) queuedLocked(connID string) bool {
	for _, q := range m.queues {
		for _, w := range q {
			if w.connID == connID {
				return true
			}
		}
	}
	return false
}

func (m *Manager) tryMatchLocked(cat Category) bool {
	queue := m.queues[cat.Name]
	if len(queue) < cat.Capacity {
		return false
	}

	// Slot exhaustion is admission control: the queue simply keeps waiting.
	assigned := m.pool.Acquire(cat.Capacity)
	if len(assigned) < cat.Capacity {
		m.pool.Release(assigned)
		m.log.Info("match deferred, slot pool low",
			zap.String("category", cat.Name), zap.Int("free", m.pool.FreeCount()))
		return false
	}

	members := queue[:cat.Capacity]
	m.queues[cat.Name] = queue[cat.Capacity:]

	id := matchID()
	for m.sessions[id] != nil {
		id = matchID()
	}
	sess := &Session{
		ID:        id,
		Category:  cat,
		State:     StatePending,
		CreatedAt: m.now(),
	}
	var players []proto.PlayerInfo
	for i, w := range members {
		p := &Participant{ConnID: w.connID, Monogram: w.monogram, Slot: assigned[i]}
		sess.Participants = append(sess.Participants, p)
		m.byConn[w.connID] = sess
		m.bySlot[p.Slot] = sess
		m.wire.BindConn(w.connID, sess.ID)
		players = append(players, proto.PlayerInfo{Monogram: p.Monogram, Slot: p.Slot})
	}
	m.sessions[sess.ID] = sess

	m.log.Info("match created",
		zap.String("match", sess.ID), zap.String("category", cat.Name),
		zap.Int("players", len(players)))

	m.wire.Send(hub.Session(sess.ID), proto.Encode(proto.Message{
		T: proto.TMatchCreated, MatchID: sess.ID, Category: cat.Name, Players: players,
	}))
	for _, p := range sess.Participants {
		slot := p.Slot
		m.wire.Send(hub.Session(sess.ID), proto.Encode(proto.Message{
			T: proto.TPlayerJoined, MatchID: sess.ID, Monogram: p.Monogram, Slot: &slot,
		}))
	}
	return true
}

// retryDeferredLocked re-scans the queues after slots return to the pool, so
// a match deferred on slot exhaustion forms as soon as capacity is back.
func (m *Manager) retryDeferredLocked() {
	for {
		progress := false
		for name := range m.queues {
			if m.tryMatchLocked(m.categories[name]) {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// SessionBySlot reports which match a slot currently belongs to. Used to
// scope bridge frames to their match's audience.
func (m *Manager) SessionBySlot(slot int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess := m.bySlot[slot]; sess != nil {
		return sess.ID, true
	}
	return "", false
}

// Watch binds a viewer connection into a match's broadcast scope without
// making it a participant. Scope membership stays under this manager even
// for spectators.
func (m *Manager) Watch(connID, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[matchID] == nil {
		return ErrNotInMatch
	}
	for _, w := range m.watchers[matchID] {
		if w == connID {
			return nil
		}
	}
	m.watchers[matchID] = append(m.watchers[matchID], connID)
	m.wire.BindConn(connID, matchID)
	return nil
}

// Ready confirms one participant. When the whole roster has confirmed, the
// match moves to ready, and straight on to active for auto-start categories.
func (m *Manager) Ready(connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.byConn[connID]
	if sess == nil {
		return ErrNotInMatch
	}
	p := sess.participant(connID)
	if p == nil || sess.State != StatePending {
		return ErrNotStartable
	}
	p.Ready = true

	if !sess.allReady() {
		return nil
	}
	if err := sess.transition(StateReady); err != nil {
		return err
	}
	m.wire.Send(hub.Session(sess.ID), proto.Encode(proto.Message{
		T: proto.TMatchReady, MatchID: sess.ID,
	}))
	if sess.Category.AutoStart {
		return m.activateLocked(sess)
	}
	return nil
}

// Start is the explicit start signal for categories that want one.
func (m *Manager) Start(connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.byConn[connID]
	if sess == nil {
		return ErrNotInMatch
	}
	if sess.State != StateReady {
		return ErrNotStartable
	}
	return m.activateLocked(sess)
}

func (m *Manager) activateLocked(sess *Session) error {
	if err := sess.transition(StateActive); err != nil {
		return err
	}
	sess.StartedAt = m.now()

	for _, p := range sess.Participants {
		if err := m.bridges.Spawn(sess.Category.WorkerKind, p.Slot); err != nil {
			m.log.Error("bridge spawn failed on start",
				zap.String("match", sess.ID), zap.Int("slot", p.Slot), zap.Error(err))
			p.unresponsiveAt = m.now()
		}
	}

	m.log.Info("match started", zap.String("match", sess.ID))
	m.wire.Send(hub.Session(sess.ID), proto.Encode(proto.Message{
		T: proto.TMatchStarted, MatchID: sess.ID,
	}))
	return nil
}

// AddScore records a running score for the participant. Scores only move
// while the match is active.
func (m *Manager) AddScore(connID string, score int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.byConn[connID]
	if sess == nil {
		return ErrNotInMatch
	}
	if sess.State != StateActive {
		return ErrNotStartable
	}
	if p := sess.participant(connID); p != nil {
		p.Score = score
	}
	return nil
}

// Input relays keypress bytes from a producer to its worker's terminal.
func (m *Manager) Input(connID string, data []byte) error {
	m.mu.Lock()
	sess := m.byConn[connID]
	var slot int
	if sess != nil && sess.State == StateActive {
		if p := sess.participant(connID); p != nil {
			slot = p.Slot
			m.mu.Unlock()
			return m.bridges.Input(slot, data)
		}
	}
	m.mu.Unlock()
	return ErrNotInMatch
}

// Disconnect handles a connection going away: dequeue it, or evict it from
// its match.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for cat, q := range m.queues {
		for i, w := range q {
			if w.connID == connID {
				m.queues[cat] = append(q[:i], q[i+1:]...)
				return
			}
		}
	}

	for matchID, watching := range m.watchers {
		for i, w := range watching {
			if w == connID {
				m.watchers[matchID] = append(watching[:i], watching[i+1:]...)
				break
			}
		}
	}

	sess := m.byConn[connID]
	if sess == nil {
		return
	}
	if p := sess.participant(connID); p != nil {
		m.evictLocked(sess, p, ReasonDisconnected)
	}
}

// End finishes a match explicitly: normal completion or operator abort.
func (m *Manager) End(matchID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.sessions[matchID]
	if sess == nil {
		return ErrNotInMatch
	}
	return m.endLocked(sess, reason)
}

// MarkUnresponsive records a health report from the bridge supervisor. The
// doctor evicts once the grace period runs out.
func (m *Manager) MarkUnresponsive(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.bySlot[slot]
	if sess == nil || sess.State != StateActive {
		return
	}
	for _, p := range sess.Participants {
		if p.Slot == slot && p.unresponsiveAt.IsZero() {
			p.unresponsiveAt = m.now()
			m.log.Warn("participant unresponsive",
				zap.String("match", sess.ID), zap.String("monogram", p.Monogram), zap.Int("slot", slot))
		}
	}
}

// MarkActive clears a pending unresponsiveness flag when worker output
// resumes.
func (m *Manager) MarkActive(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess := m.bySlot[slot]; sess != nil {
		for _, p := range sess.Participants {
			if p.Slot == slot {
				p.unresponsiveAt = time.Time{}
			}
		}
	}
}

// MarkFailed handles a permanent bridge failure: immediate eviction, no
// grace.
func (m *Manager) MarkFailed(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.bySlot[slot]
	if sess == nil {
		return
	}
	for _, p := range sess.Participants {
		if p.Slot == slot {
			m.evictLocked(sess, p, ReasonBridgeFailed)
			return
		}
	}
}

// evictLocked removes one participant, reports it, and ends the match if it
// fell below viability. Eviction is never silent.
func (m *Manager) evictLocked(sess *Session, p *Participant, reason string) {
	slot := p.Slot
	m.wire.Send(hub.Session(sess.ID), proto.Encode(proto.Message{
		T: proto.TPlayerLeft, MatchID: sess.ID, Monogram: p.Monogram, Slot: &slot, Reason: reason,
	}))

	for i, q := range sess.Participants {
		if q == p {
			sess.Participants = append(sess.Participants[:i], sess.Participants[i+1:]...)
			break
		}
	}
	delete(m.byConn, p.ConnID)
	delete(m.bySlot, p.Slot)
	m.wire.UnbindConn(p.ConnID)
	m.bridges.Stop(p.Slot)

	m.log.Info("participant evicted",
		zap.String("match", sess.ID), zap.String("monogram", p.Monogram), zap.String("reason", reason))

	if sess.State != StateEnded && len(sess.Participants) < sess.Category.MinViable {
		_ = m.endLocked(sess, ReasonNotViable)
		return
	}
	m.retryDeferredLocked()
}

func (m *Manager) endLocked(sess *Session, reason string) error {
	if err := sess.transition(StateEnded); err != nil {
		return err
	}
	sess.EndReason = reason

	m.wire.Send(hub.Session(sess.ID), proto.Encode(proto.Message{
		T: proto.TMatchEnded, MatchID: sess.ID, Reason: reason,
	}))

	for _, p := range sess.Participants {
		isHigh, err := m.scores.Submit(sess.Category.Name, p.Monogram, p.Score, sess.ID)
		if err != nil {
			m.log.Error("score submit failed",
				zap.String("match", sess.ID), zap.String("monogram", p.Monogram), zap.Error(err))
		} else if isHigh {
			m.wire.Send(hub.All(), proto.Encode(proto.Message{
				T: proto.THighscore, Category: sess.Category.Name,
				Monogram: p.Monogram, Score: p.Score, MatchID: sess.ID,
			}))
		}

		delete(m.byConn, p.ConnID)
		delete(m.bySlot, p.Slot)
		m.wire.UnbindConn(p.ConnID)
		m.bridges.Stop(p.Slot)
	}
	sess.Participants = nil

	for _, w := range m.watchers[sess.ID] {
		m.wire.UnbindConn(w)
	}
	delete(m.watchers, sess.ID)
	delete(m.sessions, sess.ID)

	m.log.Info("match ended", zap.String("match", sess.ID), zap.String("reason", reason))
	m.retryDeferredLocked()
	return nil
}

// Counts summarizes live matchmaking state for the status endpoint.
type Counts struct {
	Queued   int `json:"queued"`
	Pending  int `json:"pending"`
	Ready    int `json:"ready"`
	Active   int `json:"active"`
	Sessions int `json:"sessions"`
}

func (m *Manager) Snapshot() Counts {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c Counts
	for _, q := range m.queues {
		c.Queued += len(q)
	}
	for _, s := range m.sessions {
		c.Sessions++
		switch s.State {
		case StatePending:
			c.Pending++
		case StateReady:
			c.Ready++
		case StateActive:
			c.Active++
		}
	}
	return c
}

// matchID mints a short join code, retrying on the vanishingly unlikely rand
// failure path with a time-based fallback.
func matchID() string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	code := make([]byte, 6)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			code[i] = charset[time.Now().UnixNano()%int64(len(charset))]
			continue
		}
		code[i] = charset[n.Int64()]
	}
	return string(code)
}
