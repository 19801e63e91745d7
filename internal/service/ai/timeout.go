package ai

import (
	"context"
	"time"

	"langy/internal/models"
)

const DefaultTimeout = 30 * time.Second

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every call made through c. For streams the deadline
// covers the whole stream and is released on Close.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutClient{next: c, timeout: d}
}

func (c *timeoutClient) Complete(ctx context.Context, messages []models.Message, temperature float64) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Complete(ctx, messages, temperature)
}

func (c *timeoutClient) Stream(ctx context.Context, messages []models.Message, temperature float64) (*Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	s, err := c.next.Stream(ctx, messages, temperature)
	if err != nil {
		cancel()
		return nil, err
	}
	prev := s.onClose
	s.onClose = func() {
		if prev != nil {
			prev()
		}
		cancel()
	}
	return s, nil
}
