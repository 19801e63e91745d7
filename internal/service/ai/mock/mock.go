// Package mock provides a scripted ai.Client for tests.
//
// Replies are consumed in order, one per Complete or Stream call. When the
// script runs out the last reply is repeated.
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"langy/internal/models"
	"langy/internal/service/ai"
)

// Reply is one scripted answer. Err is returned instead of a reply. When
// Fragments is empty a stream delivers Text as a single fragment.
type Reply struct {
	Text      string
	Fragments []string
	Usage     models.Usage
	Err       error
	// StreamErr fails a stream after its fragments were delivered.
	StreamErr error
	// Delay is slept before each streamed fragment.
	Delay time.Duration
}

// Call records one request.
type Call struct {
	Messages    []models.Message
	Temperature float64
	Stream      bool
}

type Client struct {
	mu      sync.Mutex
	Replies []Reply
	Calls   []Call
	// Block, when set, makes every call wait for it to close or for the
	// context to end.
	Block chan struct{}
}

var errNoReplies = errors.New("mock: no replies scripted")

func (c *Client) next(msgs []models.Message, temperature float64, stream bool) (Reply, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, Call{
		Messages:    append([]models.Message(nil), msgs...),
		Temperature: temperature,
		Stream:      stream,
	})
	if len(c.Replies) == 0 {
		c.mu.Unlock()
		return Reply{}, errNoReplies
	}
	r := c.Replies[0]
	if len(c.Replies) > 1 {
		c.Replies = c.Replies[1:]
	}
	c.mu.Unlock()
	return r, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.Block == nil {
		return nil
	}
	select {
	case <-c.Block:
		return nil
	case <-ctx.Done():
		return &ai.Failure{Provider: "mock", Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded), Err: ctx.Err()}
	}
}

func (c *Client) Complete(ctx context.Context, msgs []models.Message, temperature float64) (*ai.Result, error) {
	r, err := c.next(msgs, temperature, false)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &ai.Result{Text: r.Text, Usage: r.Usage.Normalize()}, nil
}

func (c *Client) Stream(ctx context.Context, msgs []models.Message, temperature float64) (*ai.Stream, error) {
	r, err := c.next(msgs, temperature, true)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if r.Err != nil {
		return nil, r.Err
	}
	frags := r.Fragments
	if len(frags) == 0 {
		frags = []string{r.Text}
	}
	return ai.NewStream(ctx, "mock", &source{frags: frags, usage: r.Usage, err: r.StreamErr, delay: r.Delay}), nil
}

// CallCount is safe to use while calls are in flight.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

type source struct {
	frags []string
	usage models.Usage
	err   error
	delay time.Duration
}

func (s *source) Next() (string, error) {
	if s.delay > 0 && len(s.frags) > 0 {
		time.Sleep(s.delay)
	}
	if len(s.frags) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func (s *source) Usage() models.Usage { return s.usage }

func (s *source) Close() error { return nil }

// Source hands out the same client for every provider and model.
type Source struct {
	Use ai.Client
	Err error
}

func (s Source) Client(context.Context, string, string) (ai.Client, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Use, nil
}
