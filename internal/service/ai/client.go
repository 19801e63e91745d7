package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"langy/internal/models"
)

var ErrInvalidTemperature = errors.New("temperature must be within [0,1]")

// Result is a finished completion.
type Result struct {
	Text  string
	Usage models.Usage
}

// Client sends a message log to a completion provider. Implementations never
// touch the conversation the messages came from.
type Client interface {
	Complete(ctx context.Context, messages []models.Message, temperature float64) (*Result, error)
	Stream(ctx context.Context, messages []models.Message, temperature float64) (*Stream, error)
}

// Failure wraps any transport or provider error.
type Failure struct {
	Provider string
	Timeout  bool
	Err      error
}

func (f *Failure) Error() string {
	if f.Timeout {
		return fmt.Sprintf("%s completion timed out: %v", f.Provider, f.Err)
	}
	return fmt.Sprintf("%s completion failed: %v", f.Provider, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(ctx context.Context, provider string, err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &Failure{Provider: provider, Timeout: timeout, Err: err}
}

func checkTemperature(t float64) error {
	if t < 0 || t > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidTemperature, t)
	}
	return nil
}

// Source is a provider specific stream of text fragments. Next returns io.EOF
// once the provider finished.
type Source interface {
	Next() (string, error)
	Usage() models.Usage
	Close() error
}

// Stream delivers a completion as text fragments. Recv returns io.EOF after
// the last fragment; Text then holds the whole reply.
type Stream struct {
	ctx      context.Context
	provider string
	src      Source
	text     strings.Builder
	err      error
	onClose  func()
}

// NewStream wraps src. ctx is used to classify errors as timeouts.
func NewStream(ctx context.Context, provider string, src Source) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Stream{ctx: ctx, provider: provider, src: src}
}

// Recv returns the next non-empty fragment.
func (s *Stream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for {
		frag, err := s.src.Next()
		if err == io.EOF {
			s.err = io.EOF
			return "", io.EOF
		}
		if err != nil {
			s.err = fail(s.ctx, s.provider, err)
			return "", s.err
		}
		if frag == "" {
			continue
		}
		s.text.WriteString(frag)
		return frag, nil
	}
}

// Text is the reply accumulated so far.
func (s *Stream) Text() string { return s.text.String() }

// Usage is only complete after Recv returned io.EOF.
func (s *Stream) Usage() models.Usage { return s.src.Usage().Normalize() }

func (s *Stream) Close() error {
	err := s.src.Close()
	if s.onClose != nil {
		s.onClose()
		s.onClose = nil
	}
	return err
}

// Drain reads the stream to the end, handing every fragment to fn, and
// returns the full reply. Once the stream's context is done fn is no longer
// called and the reply is reported as a Failure.
func Drain(s *Stream, fn func(fragment string) error) (*Result, error) {
	defer s.Close()
	for {
		frag, err := s.Recv()
		if err != nil && err != io.EOF {
			return nil, err
		}
		if cerr := s.ctx.Err(); cerr != nil {
			s.err = fail(s.ctx, s.provider, cerr)
			return nil, s.err
		}
		if err == io.EOF {
			return &Result{Text: s.Text(), Usage: s.Usage()}, nil
		}
		if fn != nil {
			if err := fn(frag); err != nil {
				return nil, err
			}
		}
	}
}
