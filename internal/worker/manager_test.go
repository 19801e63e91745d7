package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"langy/internal/config"
	"langy/internal/models"
	"langy/internal/service/ai/mock"
	"langy/internal/service/assistant"
	"langy/internal/session"
)

func TestManagerSubmitRunsTurn(t *testing.T) {
	profiles, err := config.LoadProfiles("")
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}
	client := &mock.Client{Replies: []mock.Reply{
		{Text: "Welcome! Which waffle would you like?", Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5}},
	}}
	svc := assistant.NewService(profiles, mock.Source{Use: client})
	archive := newFakeArchive()
	manager := NewManager(svc, DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4}, WithArchive(archive))
	defer manager.Stop()

	if _, err := manager.Open(context.Background(), "s1", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}
	var chunks []string
	res, err := manager.Submit(context.Background(), "s1", "hi", func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Committed {
		t.Fatalf("turn not committed: %#v", res)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected streamed chunks")
	}
	conv, err := manager.Conversation("s1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.Turns() != 1 {
		t.Fatalf("expected 1 turn, got %d", conv.Turns())
	}

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if archive.created["s1"] != "wafflebot" {
		t.Fatalf("conversation not archived: %#v", archive.created)
	}
	turns := archive.turns["s1"]
	if len(turns) != 1 || len(turns[0]) != 2 {
		t.Fatalf("unexpected archived turns %#v", turns)
	}
	if turns[0][0].Role != models.RoleUser || turns[0][0].Content != "hi" {
		t.Fatalf("unexpected archived user message %#v", turns[0][0])
	}
	if archive.tokens["s1"] != 15 {
		t.Fatalf("expected 15 archived tokens, got %d", archive.tokens["s1"])
	}
}

func TestManagerRejectsEmptyInput(t *testing.T) {
	asst := newFakeAssistant()
	manager := NewManager(asst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer manager.Stop()

	if _, err := manager.Open(context.Background(), "s1", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := manager.Submit(context.Background(), "s1", "   ", nil); !errors.Is(err, session.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if asst.calls() != 0 {
		t.Fatalf("blank input reached the assistant")
	}
}

func TestManagerUnknownSession(t *testing.T) {
	manager := NewManager(newFakeAssistant(), DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer manager.Stop()

	if _, err := manager.Submit(context.Background(), "missing", "hello", nil); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := manager.Clear(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound from clear, got %v", err)
	}
}

func TestManagerSerializesSameSession(t *testing.T) {
	client := &mock.Client{
		Replies: []mock.Reply{{Text: "ok"}},
		Block:   make(chan struct{}),
	}
	profiles, err := config.LoadProfiles("")
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}
	svc := assistant.NewService(profiles, mock.Source{Use: client})
	manager := NewManager(svc, DispatcherConfig{MinWorkers: 2, MaxWorkers: 4, QueueSize: 8})
	defer manager.Stop()

	if _, err := manager.Open(context.Background(), "s1", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := manager.Submit(context.Background(), "s1", "first", nil)
		errs <- err
	}()
	waitFor(t, func() bool { return client.CallCount() == 1 }, "first turn did not start")

	go func() {
		_, err := manager.Submit(context.Background(), "s1", "second", nil)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if n := client.CallCount(); n != 1 {
		t.Fatalf("second turn started while the first was in flight (%d calls)", n)
	}

	close(client.Block)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("turn %d did not complete", i+1)
		}
	}

	conv, _ := manager.Conversation("s1")
	if conv.Turns() != 2 {
		t.Fatalf("expected 2 turns, got %d", conv.Turns())
	}
	second := client.Calls[1].Messages
	found := false
	for _, m := range second {
		if m.Role == models.RoleUser && m.Content == "first" {
			found = true
		}
	}
	if !found {
		t.Fatalf("second turn did not see the first one: %#v", second)
	}
}

func TestManagerOtherSessionsProceed(t *testing.T) {
	asst := newFakeAssistant()
	manager := NewManager(asst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 16})
	defer manager.Stop()

	for _, id := range []string{"slow", "fast"} {
		if _, err := manager.Open(context.Background(), id, "wafflebot"); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := manager.Submit(context.Background(), "slow", "slow", nil)
		slowDone <- err
	}()
	select {
	case <-asst.started:
	case <-time.After(time.Second):
		t.Fatalf("slow turn did not start")
	}

	fastDone := make(chan error, 1)
	go func() {
		_, err := manager.Submit(context.Background(), "fast", "fast", nil)
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast submit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("fast session was blocked by the slow one")
	}

	close(asst.block)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow submit: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("multi-%d", i)
		if _, err := manager.Open(context.Background(), id, "wafflebot"); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.Submit(context.Background(), id, "multi", nil); err != nil {
				t.Errorf("submit %s: %v", id, err)
			}
		}()
	}
	wg.Wait()
}

func TestManagerClearWaitsForInFlightTurn(t *testing.T) {
	asst := newFakeAssistant()
	archive := newFakeArchive()
	manager := NewManager(asst, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 8}, WithArchive(archive))
	defer manager.Stop()

	conv, err := manager.Open(context.Background(), "s1", "wafflebot")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seed := len(conv.Messages())

	turnDone := make(chan *assistant.TurnResult, 1)
	go func() {
		res, _ := manager.Submit(context.Background(), "s1", "slow", nil)
		turnDone <- res
	}()
	<-asst.started

	clearDone := make(chan error, 1)
	go func() { clearDone <- manager.Clear(context.Background(), "s1") }()

	select {
	case <-clearDone:
		t.Fatalf("clear finished before the in-flight turn")
	case <-time.After(50 * time.Millisecond):
	}

	close(asst.block)
	if res := <-turnDone; res == nil || !res.Committed {
		t.Fatalf("in-flight turn should commit before the clear, got %#v", res)
	}
	if err := <-clearDone; err != nil {
		t.Fatalf("clear: %v", err)
	}
	if conv.Turns() != 0 || len(conv.Messages()) != seed {
		t.Fatalf("conversation not reset: %d turns, %d messages", conv.Turns(), len(conv.Messages()))
	}
	archive.mu.Lock()
	defer archive.mu.Unlock()
	if archive.resets["s1"] != 1 {
		t.Fatalf("expected archive totals reset once, got %d", archive.resets["s1"])
	}
}

func TestManagerBusyWhenQueueFull(t *testing.T) {
	asst := newFakeAssistant()
	manager := NewManager(asst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer manager.Stop()

	if _, err := manager.Open(context.Background(), "hold", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}
	holdDone := make(chan error, 1)
	go func() {
		_, err := manager.Submit(context.Background(), "hold", "slow", nil)
		holdDone <- err
	}()
	<-asst.started

	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("q-%d", i)
		if _, err := manager.Open(context.Background(), id, "wafflebot"); err != nil {
			t.Fatalf("open %s: %v", id, err)
		}
		go func() {
			_, err := manager.Submit(context.Background(), id, "queued", nil)
			results <- err
		}()
	}

	busy := false
	deadline := time.After(2 * time.Second)
	for !busy {
		select {
		case err := <-results:
			if !errors.Is(err, ErrDispatcherBusy) {
				t.Fatalf("expected ErrDispatcherBusy while the only worker is held, got %v", err)
			}
			busy = true
		case <-deadline:
			t.Fatalf("no submission was rejected")
		}
	}

	close(asst.block)
	if err := <-holdDone; err != nil {
		t.Fatalf("held submit: %v", err)
	}
}

func TestManagerDropFailsQueuedJobs(t *testing.T) {
	asst := newFakeAssistant()
	manager := NewManager(asst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})
	defer manager.Stop()

	if _, err := manager.Open(context.Background(), "s1", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}
	first := make(chan error, 1)
	go func() {
		_, err := manager.Submit(context.Background(), "s1", "slow", nil)
		first <- err
	}()
	<-asst.started

	second := make(chan error, 1)
	go func() {
		_, err := manager.Submit(context.Background(), "s1", "queued", nil)
		second <- err
	}()
	waitFor(t, func() bool {
		manager.dispatcher.mu.Lock()
		defer manager.dispatcher.mu.Unlock()
		q := manager.dispatcher.queues["s1"]
		return q != nil && len(q.jobs) == 1
	}, "second job was not queued")

	manager.Drop("s1")
	select {
	case err := <-second:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued job was not failed")
	}

	close(asst.block)
	<-first
	if _, err := manager.Conversation("s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("dropped session still reachable: %v", err)
	}
}

func TestManagerSweepEvictsIdleSessions(t *testing.T) {
	manager := NewManager(newFakeAssistant(), DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	defer manager.Stop()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	manager.state.now = func() time.Time { return now }
	if _, err := manager.Open(context.Background(), "old", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}
	now = now.Add(2 * time.Hour)
	if _, err := manager.Open(context.Background(), "fresh", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}

	if n := manager.Sweep(time.Hour); n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if _, err := manager.Conversation("old"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("idle session survived the sweep")
	}
	if _, err := manager.Conversation("fresh"); err != nil {
		t.Fatalf("fresh session evicted: %v", err)
	}
	if manager.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", manager.Len())
	}
}

func TestManagerStopFailsPendingWork(t *testing.T) {
	asst := newFakeAssistant()
	manager := NewManager(asst, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	manager.Stop()
	if _, err := manager.Open(context.Background(), "s1", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := manager.Submit(context.Background(), "s1", "hello", nil); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected ErrDispatcherStopped, got %v", err)
	}
}

func TestPoolShrinksToMinimum(t *testing.T) {
	release := make(chan struct{})
	var wg sync.WaitGroup
	pool := newJobChannelPool(1, 3, 20*time.Millisecond, func(Job) {
		<-release
		wg.Done()
	})
	defer pool.close()

	for i := 0; i < 3; i++ {
		wg.Add(1)
		ch := pool.acquire()
		ch <- Job{Type: Turn, SessionID: fmt.Sprint(i)}
	}
	if n := pool.size(); n != 3 {
		t.Fatalf("expected 3 workers, got %d", n)
	}
	close(release)
	wg.Wait()

	waitFor(t, func() bool { return pool.size() == 1 }, "idle workers were not retired")
}

func TestManagerNoChunksAfterSubmitReturns(t *testing.T) {
	profiles, err := config.LoadProfiles("")
	if err != nil {
		t.Fatalf("load profiles: %v", err)
	}
	frags := make([]string, 10)
	for i := range frags {
		frags[i] = fmt.Sprintf("part%d ", i)
	}
	client := &mock.Client{Replies: []mock.Reply{{Fragments: frags, Delay: 20 * time.Millisecond}}}
	svc := assistant.NewService(profiles, mock.Source{Use: client})
	archive := newFakeArchive()
	manager := NewManager(svc, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, WithArchive(archive))
	defer manager.Stop()

	if _, err := manager.Open(context.Background(), "s1", "wafflebot"); err != nil {
		t.Fatalf("open: %v", err)
	}

	var returned atomic.Bool
	var late atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := manager.Submit(ctx, "s1", "hi", func(string) error {
		if returned.Load() {
			late.Add(1)
		}
		return nil
	})
	returned.Store(true)
	if err == nil && res.Committed {
		t.Fatalf("turn committed despite the deadline: %#v", res)
	}

	waitFor(t, func() bool { return !manager.dispatcher.Busy("s1") }, "turn never finished")
	time.Sleep(60 * time.Millisecond)
	if n := late.Load(); n != 0 {
		t.Fatalf("%d chunk callbacks ran after Submit returned", n)
	}
	conv, err := manager.Conversation("s1")
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if conv.Turns() != 0 || len(conv.Messages()) != len(conv.Seed()) {
		t.Fatalf("timed out turn was committed: %d turns", conv.Turns())
	}
	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.turns["s1"]) != 0 {
		t.Fatalf("timed out turn was archived")
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- helpers ---

// fakeAssistant echoes every submission. Text "slow" blocks until block is
// closed and signals started the first time.
type fakeAssistant struct {
	mu      sync.Mutex
	n       int
	block   chan struct{}
	started chan struct{}
	once    sync.Once
}

func newFakeAssistant() *fakeAssistant {
	return &fakeAssistant{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (f *fakeAssistant) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *fakeAssistant) NewConversation(id, profile string) (*session.Conversation, error) {
	return session.New(id, profile, []models.Message{{Role: models.RoleSystem, Content: "system"}}), nil
}

func (f *fakeAssistant) Submit(ctx context.Context, conv *session.Conversation, text string, onChunk assistant.ChunkFunc) (*assistant.TurnResult, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()

	turn, err := conv.Begin(text)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(text, "slow") {
		f.once.Do(func() { close(f.started) })
		<-f.block
	}
	reply := "echo: " + text
	if onChunk != nil {
		_ = onChunk(reply)
	}
	if err := turn.Commit(reply, models.Usage{PromptTokens: 3, CompletionTokens: 2}, 0); err != nil {
		return nil, err
	}
	return &assistant.TurnResult{Profile: conv.Profile(), Committed: true, Reply: reply}, nil
}

type fakeArchive struct {
	mu      sync.Mutex
	created map[string]string
	turns   map[string][][]models.Message
	tokens  map[string]int
	resets  map[string]int
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		created: make(map[string]string),
		turns:   make(map[string][][]models.Message),
		tokens:  make(map[string]int),
		resets:  make(map[string]int),
	}
}

func (a *fakeArchive) CreateConversation(ctx context.Context, id, profile string, seed []models.Message) (*models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created[id] = profile
	return &models.Session{ID: id, Profile: profile}, nil
}

func (a *fakeArchive) AppendTurn(ctx context.Context, id string, msgs []models.Message, totalTokens int, totalCost float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns[id] = append(a.turns[id], msgs)
	a.tokens[id] = totalTokens
	return nil
}

func (a *fakeArchive) ResetTotals(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets[id]++
	a.tokens[id] = 0
	return nil
}
