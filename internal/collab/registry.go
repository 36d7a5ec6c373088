package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const connectionBufferSize = 16

var (
	// ErrMissingStore indicates the registry was built without a store.
	ErrMissingStore = errors.New("collab: store required")
	// ErrConnectionExists indicates a connection id was attached twice.
	ErrConnectionExists = errors.New("collab: connection already attached")
	// ErrNoSession indicates no live session exists for the document key.
	ErrNoSession = errors.New("collab: no live session")
)

type sessionConn struct {
	id       string
	subject  string
	joinedAt time.Time
	stream   chan []byte
}

// Session is the in-memory collaborative document for one document key.
// It is owned exclusively by the registry; all mutation is serialized
// through its internal mutex.
type Session struct {
	key   DocumentKey
	clock func() time.Time

	hydrateOnce sync.Once
	hydrateErr  error

	mu              sync.Mutex
	state           *State
	dirty           bool
	seq             uint64
	lastPersistedAt time.Time
	conns           map[string]*sessionConn
	// reserved counts acquirers that have not attached yet. Eviction is
	// deferred while any reservation is outstanding, so a session handed
	// out by Acquire stays valid until its Attach lands.
	reserved int
}

func newSession(key DocumentKey, clock func() time.Time) *Session {
	return &Session{
		key:   key,
		clock: clock,
		state: NewState(),
		conns: make(map[string]*sessionConn),
	}
}

// Key returns the session's document key.
func (session *Session) Key() DocumentKey {
	return session.key
}

func (session *Session) hydrate(ctx context.Context, store Store) error {
	session.hydrateOnce.Do(func() {
		payload, err := store.Load(ctx, session.key)
		if err != nil {
			session.hydrateErr = err
			return
		}
		if payload == nil {
			return
		}
		state, err := DecodeState(payload)
		if err != nil {
			session.hydrateErr = err
			return
		}
		session.mu.Lock()
		session.state = state
		session.lastPersistedAt = session.clock()
		session.mu.Unlock()
	})
	return session.hydrateErr
}

// Attach registers a connection and returns its outbound stream together
// with the encoded current state. Attach consumes the caller's Acquire
// reservation whether or not it succeeds.
func (session *Session) Attach(connID string, subject string) (<-chan []byte, []byte, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.reserved > 0 {
		session.reserved--
	}
	if _, ok := session.conns[connID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrConnectionExists, connID)
	}
	initial, err := session.state.Encode()
	if err != nil {
		return nil, nil, err
	}
	conn := &sessionConn{
		id:       connID,
		subject:  subject,
		joinedAt: session.clock(),
		stream:   make(chan []byte, connectionBufferSize),
	}
	session.conns[connID] = conn
	return conn.stream, initial, nil
}

// Detach removes a connection and returns the number remaining.
func (session *Session) Detach(connID string) int {
	session.mu.Lock()
	defer session.mu.Unlock()
	if conn, ok := session.conns[connID]; ok {
		delete(session.conns, connID)
		close(conn.stream)
	}
	return len(session.conns)
}

// ConnectionCount returns the number of attached connections.
func (session *Session) ConnectionCount() int {
	session.mu.Lock()
	defer session.mu.Unlock()
	return len(session.conns)
}

// ApplyUpdate merges an update into the session state and fans the encoded
// update out to every attached connection except the origin.
func (session *Session) ApplyUpdate(origin string, update Update) error {
	payload, err := update.Encode()
	if err != nil {
		return err
	}
	session.mu.Lock()
	session.state.Apply(update)
	session.dirty = true
	session.seq++
	session.fanOutLocked(origin, payload)
	session.mu.Unlock()
	return nil
}

// ReplaceContent overwrites the session document with the replacement
// state and fans the change out to every attached connection so connected
// editors converge immediately.
func (session *Session) ReplaceContent(actor string, replacement *State) error {
	session.mu.Lock()
	defer session.mu.Unlock()
	update := session.state.ReplacementUpdate(actor, replacement)
	if len(update.Writes) == 0 {
		return nil
	}
	payload, err := update.Encode()
	if err != nil {
		return err
	}
	session.state.Apply(update)
	session.dirty = true
	session.seq++
	session.fanOutLocked("", payload)
	return nil
}

func (session *Session) fanOutLocked(origin string, payload []byte) {
	for _, conn := range session.conns {
		if conn.id == origin {
			continue
		}
		select {
		case conn.stream <- payload:
		default:
			// Slow consumer: drop rather than block the session. The
			// client reconciles from the durable snapshot on reconnect.
		}
	}
}

// Snapshot returns the encoded merged state.
func (session *Session) Snapshot() ([]byte, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state.Encode()
}

// Text returns the plain-text rendering of the merged state.
func (session *Session) Text() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state.Text()
}

// Dirty reports whether the session holds unpersisted changes.
func (session *Session) Dirty() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.dirty
}

func (session *Session) snapshotForPersist() ([]byte, uint64, bool, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if !session.dirty {
		return nil, session.seq, false, nil
	}
	payload, err := session.state.Encode()
	if err != nil {
		return nil, 0, false, err
	}
	return payload, session.seq, true, nil
}

func (session *Session) markPersisted(seq uint64) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.seq == seq {
		session.dirty = false
	}
	session.lastPersistedAt = session.clock()
}

// RegistryConfig describes the dependencies for a session registry.
type RegistryConfig struct {
	Store           Store
	Logger          *zap.Logger
	PersistInterval time.Duration
	Clock           func() time.Time
	// OnLastDetach runs after the final flush when a session loses its
	// last connection, before eviction.
	OnLastDetach func(ctx context.Context, key DocumentKey)
}

// Registry owns every live collaborative document session in the process.
// Init is an empty map; teardown is FlushAll followed by discarding the
// registry.
type Registry struct {
	store           Store
	logger          *zap.Logger
	persistInterval time.Duration
	clock           func() time.Time
	onLastDetach    func(ctx context.Context, key DocumentKey)

	mu       sync.Mutex
	sessions map[DocumentKey]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.PersistInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Registry{
		store:           cfg.Store,
		logger:          logger,
		persistInterval: interval,
		clock:           clock,
		onLastDetach:    cfg.OnLastDetach,
		sessions:        make(map[DocumentKey]*Session),
	}, nil
}

// Acquire returns the live session for the key, hydrating one from the
// store when none exists. Concurrent first connections for the same key
// observe a single session: the map entry is created under the registry
// mutex and hydration runs exactly once. The returned session carries a
// reservation, taken inside the registry critical section so a concurrent
// last-disconnect cannot evict the session out from under the caller
// before its Attach lands.
func (registry *Registry) Acquire(ctx context.Context, key DocumentKey) (*Session, error) {
	registry.mu.Lock()
	session, ok := registry.sessions[key]
	if !ok {
		session = newSession(key, registry.clock)
		registry.sessions[key] = session
	}
	session.mu.Lock()
	session.reserved++
	session.mu.Unlock()
	registry.mu.Unlock()

	if err := session.hydrate(ctx, registry.store); err != nil {
		registry.mu.Lock()
		session.mu.Lock()
		session.reserved--
		session.mu.Unlock()
		if registry.sessions[key] == session {
			delete(registry.sessions, key)
		}
		registry.mu.Unlock()
		return nil, err
	}
	return session, nil
}

// Lookup returns the live session for the key without creating one.
func (registry *Registry) Lookup(key DocumentKey) (*Session, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	session, ok := registry.sessions[key]
	return session, ok
}

// Release detaches a connection from a session. When the last connection
// leaves, the session is flushed and, only after a successful flush,
// evicted from the registry.
func (registry *Registry) Release(ctx context.Context, key DocumentKey, connID string) {
	registry.mu.Lock()
	session, ok := registry.sessions[key]
	registry.mu.Unlock()
	if !ok {
		return
	}

	if remaining := session.Detach(connID); remaining > 0 {
		return
	}

	flushed := true
	if err := registry.flushSession(ctx, session); err != nil {
		flushed = false
		registry.logger.Warn("session flush on last disconnect failed",
			zap.String("doc_key", key.String()),
			zap.Error(err))
	}

	if registry.onLastDetach != nil {
		registry.onLastDetach(ctx, key)
	}

	if flushed {
		registry.evictIfIdle(key, session)
	}
}

// LiveSnapshot returns the encoded merged state of a live session, or
// false when no session exists for the key.
func (registry *Registry) LiveSnapshot(key DocumentKey) ([]byte, bool) {
	session, ok := registry.Lookup(key)
	if !ok {
		return nil, false
	}
	payload, err := session.Snapshot()
	if err != nil {
		registry.logger.Error("live snapshot encode failed",
			zap.String("doc_key", key.String()),
			zap.Error(err))
		return nil, false
	}
	return payload, true
}

// PushReplacement overwrites a live session's content, if one exists.
// Returns ErrNoSession when the document has no live session.
func (registry *Registry) PushReplacement(key DocumentKey, actor string, replacement *State) error {
	session, ok := registry.Lookup(key)
	if !ok {
		return ErrNoSession
	}
	return session.ReplaceContent(actor, replacement)
}

// Run drives the periodic persistence loop until the context is done.
// A failed store is logged and retried on the next tick; sessions never
// terminate because of a transient storage failure.
func (registry *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(registry.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.flushTick(ctx)
		}
	}
}

func (registry *Registry) flushTick(ctx context.Context) {
	for key, session := range registry.snapshotSessions() {
		if session.Dirty() {
			if err := registry.flushSession(ctx, session); err != nil {
				registry.logger.Warn("periodic session flush failed",
					zap.String("doc_key", key.String()),
					zap.Error(err))
				continue
			}
		}
		if session.ConnectionCount() == 0 && !session.Dirty() {
			registry.evictIfIdle(key, session)
		}
	}
}

// FlushAll persists every dirty session. Used at teardown.
func (registry *Registry) FlushAll(ctx context.Context) {
	for key, session := range registry.snapshotSessions() {
		if !session.Dirty() {
			continue
		}
		if err := registry.flushSession(ctx, session); err != nil {
			registry.logger.Error("final session flush failed",
				zap.String("doc_key", key.String()),
				zap.Error(err))
		}
	}
}

// SessionCount returns the number of live sessions.
func (registry *Registry) SessionCount() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.sessions)
}

func (registry *Registry) snapshotSessions() map[DocumentKey]*Session {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	copied := make(map[DocumentKey]*Session, len(registry.sessions))
	for key, session := range registry.sessions {
		copied[key] = session
	}
	return copied
}

func (registry *Registry) flushSession(ctx context.Context, session *Session) error {
	payload, seq, dirty, err := session.snapshotForPersist()
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if err := registry.store.Save(ctx, session.key, payload); err != nil {
		return err
	}
	session.markPersisted(seq)
	return nil
}

func (registry *Registry) evictIfIdle(key DocumentKey, session *Session) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.sessions[key] != session {
		return
	}
	session.mu.Lock()
	idle := len(session.conns) == 0 && !session.dirty && session.reserved == 0
	session.mu.Unlock()
	if idle {
		delete(registry.sessions, key)
	}
}
