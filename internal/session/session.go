// Package session holds the per browser conversation transcript. Messages are
// only ever appended in user/assistant pairs or reset back to the seed.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"langy/internal/models"
)

var (
	ErrEmptyInput    = errors.New("input is empty")
	ErrTurnDiscarded = errors.New("conversation was cleared before the turn completed")
	ErrTurnClosed    = errors.New("turn already committed")
)

type State int

const (
	Empty State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "empty"
}

type Conversation struct {
	mu         sync.RWMutex
	id         string
	profile    string
	seedLen    int
	messages   []models.Message
	usage      models.Usage
	cost       float64
	turns      int
	generation int64
}

// New starts a conversation holding only the seed messages.
func New(id, profile string, seed []models.Message) *Conversation {
	msgs := make([]models.Message, len(seed))
	copy(msgs, seed)
	return &Conversation{id: id, profile: profile, seedLen: len(seed), messages: msgs}
}

func (c *Conversation) ID() string      { return c.id }
func (c *Conversation) Profile() string { return c.profile }

func (c *Conversation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.turns == 0 {
		return Empty
	}
	return Active
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Message(nil), c.messages...)
}

// Seed returns a copy of the messages the conversation started with.
func (c *Conversation) Seed() []models.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Message(nil), c.messages[:c.seedLen]...)
}

func (c *Conversation) Usage() models.Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}

func (c *Conversation) Cost() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cost
}

func (c *Conversation) Turns() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turns
}

// Turn is a submission waiting for its reply. Nothing is written to the
// conversation until Commit.
type Turn struct {
	conv       *Conversation
	generation int64
	text       string
	history    []models.Message

	mu   sync.Mutex
	done bool
}

// Begin validates text and opens a pending turn. Blank text leaves the
// conversation untouched.
func (c *Conversation) Begin(text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Turn{
		conv:       c,
		generation: c.generation,
		text:       text,
		history:    append([]models.Message(nil), c.messages...),
	}, nil
}

func (t *Turn) Text() string { return t.text }

// Messages is the transcript as of Begin followed by the pending user message.
func (t *Turn) Messages() []models.Message {
	out := make([]models.Message, 0, len(t.history)+1)
	out = append(out, t.history...)
	return append(out, models.Message{Role: models.RoleUser, Content: t.text})
}

// Commit appends the user message and reply together and adds the counters.
// It fails when the conversation was cleared after Begin.
func (t *Turn) Commit(reply string, usage models.Usage, cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTurnClosed
	}
	c := t.conv
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != t.generation {
		return ErrTurnDiscarded
	}
	t.done = true
	c.messages = append(c.messages,
		models.Message{Role: models.RoleUser, Content: t.text},
		models.Message{Role: models.RoleAssistant, Content: reply},
	)
	c.usage = c.usage.Add(usage.Normalize())
	c.cost += cost
	c.turns++
	return nil
}

// Record adds usage from a call whose messages are not kept, such as the
// correction reasons request.
func (c *Conversation) Record(usage models.Usage, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = c.usage.Add(usage.Normalize())
	c.cost += cost
}

// Clear truncates back to the seed and zeroes the counters.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = c.messages[:c.seedLen:c.seedLen]
	c.usage = models.Usage{}
	c.cost = 0
	c.turns = 0
	c.generation++
}

func (c *Conversation) Snapshot() models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return models.Snapshot{
		ID:         c.id,
		Profile:    c.profile,
		Messages:   append([]models.Message(nil), c.messages...),
		SeedLen:    c.seedLen,
		Usage:      c.usage,
		Cost:       c.cost,
		Turns:      c.turns,
		Generation: c.generation,
	}
}

// Restore rebuilds a conversation from a snapshot.
func Restore(s models.Snapshot) (*Conversation, error) {
	if s.SeedLen < 0 || s.SeedLen > len(s.Messages) {
		return nil, fmt.Errorf("snapshot %s: seed length %d out of range", s.ID, s.SeedLen)
	}
	if (len(s.Messages)-s.SeedLen)%2 != 0 {
		return nil, fmt.Errorf("snapshot %s: unpaired messages", s.ID)
	}
	for i, m := range s.Messages {
		if !m.Role.Valid() {
			return nil, fmt.Errorf("snapshot %s: message %d has role %q", s.ID, i, m.Role)
		}
	}
	return &Conversation{
		id:         s.ID,
		profile:    s.Profile,
		seedLen:    s.SeedLen,
		messages:   append([]models.Message(nil), s.Messages...),
		usage:      s.Usage,
		cost:       s.Cost,
		turns:      s.Turns,
		generation: s.Generation,
	}, nil
}
