package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"langy/internal/models"
	"langy/internal/redis"
	"langy/internal/service/assistant"
	"langy/internal/session"
)

var ErrSessionNotFound = errors.New("session not found")

var errCallerGone = errors.New("caller stopped waiting for the turn")

// chunkGate forwards fragments until close. close waits for a fragment
// being delivered, so the caller owns its writer again once it returns.
type chunkGate struct {
	mu     sync.Mutex
	fn     assistant.ChunkFunc
	closed bool
}

func (g *chunkGate) send(fragment string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errCallerGone
	}
	return g.fn(fragment)
}

func (g *chunkGate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// Assistant runs turns against a conversation.
type Assistant interface {
	NewConversation(id, profile string) (*session.Conversation, error)
	Submit(ctx context.Context, conv *session.Conversation, text string, onChunk assistant.ChunkFunc) (*assistant.TurnResult, error)
}

// Archive receives committed turns. Failures are logged, never returned to
// the user.
type Archive interface {
	CreateConversation(ctx context.Context, id, profile string, seed []models.Message) (*models.Session, error)
	AppendTurn(ctx context.Context, id string, msgs []models.Message, totalTokens int, totalCost float64) error
	ResetTotals(ctx context.Context, id string) error
}

// Manager owns the live conversations and runs every turn and clear through
// the dispatcher, so a session never has two of them at once.
type Manager struct {
	assistant  Assistant
	archive    Archive
	cache      *stateRedis
	dispatcher *Dispatcher
	state      *sessionStore
	origin     string

	stopListener context.CancelFunc
}

type Option func(*Manager)

// WithArchive records committed turns in the SQL archive.
func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithRedis caches conversation snapshots for ttl and listens for
// invalidations from other instances.
func WithRedis(client *redis.Client, ttl time.Duration) Option {
	return func(m *Manager) { m.cache = newStateCache(client, ttl) }
}

func NewManager(asst Assistant, cfg DispatcherConfig, opts ...Option) *Manager {
	m := &Manager{
		assistant: asst,
		state:     newSessionStore(),
		origin:    newOrigin(),
	}
	for _, o := range opts {
		o(m)
	}
	m.dispatcher = NewDispatcher(cfg, m.handle)
	if m.cache != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopListener = cancel
		m.cache.startListener(ctx, m.handleInvalidation)
	}
	return m
}

func newOrigin() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "local"
	}
	return hex.EncodeToString(b[:])
}

// Open starts a new conversation for profile under sessionID.
func (m *Manager) Open(ctx context.Context, sessionID, profile string) (*session.Conversation, error) {
	conv, err := m.assistant.NewConversation(sessionID, profile)
	if err != nil {
		return nil, err
	}
	if m.archive != nil {
		if _, err := m.archive.CreateConversation(ctx, sessionID, conv.Profile(), conv.Seed()); err != nil {
			log.Printf("worker archive create %s failed: %v", sessionID, err)
		}
	}
	kept := m.state.put(conv)
	m.cache.cacheSnapshot(kept.Snapshot())
	debugLog("[manager] open session %s profile %s", sessionID, conv.Profile())
	return kept, nil
}

// Conversation returns the live conversation, restoring it from the snapshot
// cache when this process does not hold it.
func (m *Manager) Conversation(sessionID string) (*session.Conversation, error) {
	if conv, ok := m.state.get(sessionID); ok {
		return conv, nil
	}
	snap, ok := m.cache.loadSnapshot(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	conv, err := session.Restore(*snap)
	if err != nil {
		log.Printf("worker restore %s failed: %v", sessionID, err)
		m.cache.invalidate(sessionID)
		return nil, ErrSessionNotFound
	}
	debugLog("[manager] restored session %s from cache", sessionID)
	return m.state.put(conv), nil
}

// Submit queues one user submission and waits for its result. chunkFn, when
// set, receives streamed fragments from the worker goroutine, never after
// Submit has returned.
func (m *Manager) Submit(ctx context.Context, sessionID, text string, chunkFn assistant.ChunkFunc) (*assistant.TurnResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, session.ErrEmptyInput
	}
	if _, err := m.Conversation(sessionID); err != nil {
		return nil, err
	}
	job := Job{Type: Turn, SessionID: sessionID, Context: ctx, Text: text}
	if chunkFn != nil {
		g := &chunkGate{fn: chunkFn}
		defer g.close()
		job.ChunkFn = g.send
	}
	ret, err := m.do(ctx, job)
	if err != nil {
		return nil, err
	}
	return ret.result, ret.err
}

// Clear resets the conversation to its seed once every earlier job of the
// session has finished.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	if _, err := m.Conversation(sessionID); err != nil {
		return err
	}
	ret, err := m.do(ctx, Job{Type: Clear, SessionID: sessionID, Context: ctx})
	if err != nil {
		return err
	}
	return ret.err
}

func (m *Manager) do(ctx context.Context, job Job) (workerReturn, error) {
	job.resultCh = make(chan workerReturn, 1)
	if err := m.dispatcher.Submit(job); err != nil {
		return workerReturn{}, err
	}
	select {
	case ret := <-job.resultCh:
		return ret, nil
	case <-ctx.Done():
		return workerReturn{}, ctx.Err()
	case <-m.dispatcher.quit:
		// The job may still be answered by the drain.
		select {
		case ret := <-job.resultCh:
			return ret, nil
		case <-time.After(time.Second):
			return workerReturn{}, ErrDispatcherStopped
		}
	}
}

// Drop ends a session: queued jobs fail with ErrSessionClosed and every copy
// of the conversation is forgotten.
func (m *Manager) Drop(sessionID string) {
	m.dispatcher.CancelSession(sessionID)
	m.state.delete(sessionID)
	m.cache.invalidate(sessionID)
	m.cache.publishInvalidation(invalidateMessage{SessionID: sessionID, Scope: scopeSession, Origin: m.origin})
	debugLog("[manager] dropped session %s", sessionID)
}

// Sweep forgets live conversations idle for longer than ttl. Cached
// snapshots expire on their own.
func (m *Manager) Sweep(ttl time.Duration) int {
	n := 0
	for _, id := range m.state.idleSince(m.state.now().Add(-ttl)) {
		if m.dispatcher.Busy(id) {
			continue
		}
		if m.state.delete(id) {
			n++
		}
	}
	if n > 0 {
		debugLog("[manager] swept %d idle sessions", n)
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ttl)
			}
		}
	}()
}

// Len is the number of live conversations held by this process.
func (m *Manager) Len() int { return m.state.len() }

func (m *Manager) Stop() {
	if m.stopListener != nil {
		m.stopListener()
	}
	m.dispatcher.Stop()
}

func (m *Manager) handle(job Job) {
	switch job.Type {
	case Turn:
		m.handleTurn(job)
	case Clear:
		m.handleClear(job)
	}
}

func (m *Manager) handleTurn(job Job) {
	conv, err := m.Conversation(job.SessionID)
	if err != nil {
		job.reply(workerReturn{err: err})
		return
	}
	ctx := job.context()
	res, err := m.assistant.Submit(ctx, conv, job.Text, job.ChunkFn)
	if err == nil && res != nil && res.Committed {
		m.persistTurn(ctx, conv)
	} else {
		m.cache.touch(job.SessionID)
	}
	job.reply(workerReturn{result: res, err: err})
}

func (m *Manager) persistTurn(ctx context.Context, conv *session.Conversation) {
	// The turn is committed; a disconnected client must not lose the archive
	// write.
	ctx = context.WithoutCancel(ctx)
	if m.archive != nil {
		msgs := conv.Messages()
		if len(msgs) >= 2 {
			usage := conv.Usage()
			if err := m.archive.AppendTurn(ctx, conv.ID(), msgs[len(msgs)-2:], usage.TotalTokens, conv.Cost()); err != nil {
				log.Printf("worker archive turn %s failed: %v", conv.ID(), err)
			}
		}
	}
	m.cache.cacheSnapshot(conv.Snapshot())
	m.cache.publishInvalidation(invalidateMessage{SessionID: conv.ID(), Scope: scopeConversation, Origin: m.origin})
}

func (m *Manager) handleClear(job Job) {
	conv, err := m.Conversation(job.SessionID)
	if err != nil {
		job.reply(workerReturn{err: err})
		return
	}
	conv.Clear()
	if m.archive != nil {
		if err := m.archive.ResetTotals(context.WithoutCancel(job.context()), conv.ID()); err != nil {
			log.Printf("worker archive reset %s failed: %v", conv.ID(), err)
		}
	}
	m.cache.cacheSnapshot(conv.Snapshot())
	m.cache.publishInvalidation(invalidateMessage{SessionID: conv.ID(), Scope: scopeConversation, Origin: m.origin})
	debugLog("[manager] cleared session %s", conv.ID())
	job.reply(workerReturn{})
}

// handleInvalidation drops the local copy when another instance changed or
// ended the session; the next access reloads the cached snapshot.
func (m *Manager) handleInvalidation(msg invalidateMessage) {
	if msg.Origin == m.origin || msg.SessionID == "" {
		return
	}
	if msg.Scope == scopeSession {
		m.dispatcher.CancelSession(msg.SessionID)
	}
	if m.state.delete(msg.SessionID) {
		debugLog("[manager] invalidated session %s (%s)", msg.SessionID, msg.Scope)
	}
}
