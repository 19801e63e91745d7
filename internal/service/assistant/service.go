package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"

	"langy/internal/config"
	"langy/internal/models"
	"langy/internal/render"
	"langy/internal/repair"
	"langy/internal/service/ai"
	"langy/internal/session"
)

// ErrProviderUnavailable means no completion client could be built for the
// profile, usually because its credentials are missing.
var ErrProviderUnavailable = errors.New("completion provider unavailable")

// ClientSource hands out completion clients per provider and model.
type ClientSource interface {
	Client(ctx context.Context, provider, model string) (ai.Client, error)
}

// ChunkFunc receives streamed reply fragments as they arrive.
type ChunkFunc func(fragment string) error

// TurnResult is everything one submission produced. When Notice is set and
// Committed is false the conversation was left untouched.
type TurnResult struct {
	Profile       string        `json:"profile"`
	Committed     bool          `json:"committed"`
	Reply         string        `json:"reply,omitempty"`
	Analysis      *Analysis     `json:"analysis,omitempty"`
	Reasons       Reasons       `json:"reasons,omitempty"`
	ReasonsNotice string        `json:"reasons_notice,omitempty"`
	Order         *models.Order `json:"order,omitempty"`
	Notice        string        `json:"notice,omitempty"`
	Raw           string        `json:"raw,omitempty"`
	Usage         models.Usage  `json:"usage"`
	Cost          float64       `json:"cost"`
	Markdown      string        `json:"markdown"`
	HTML          string        `json:"html"`
	Err           error         `json:"-"`

	sections []string
}

func (r *TurnResult) add(sections ...string) {
	r.sections = append(r.sections, sections...)
}

type Service struct {
	profiles *config.Profiles
	clients  ClientSource
	repairer repair.Repairer
}

type Option func(*Service)

// WithRepairer replaces the default JSON recovery chain.
func WithRepairer(r repair.Repairer) Option {
	return func(s *Service) { s.repairer = r }
}

func NewService(profiles *config.Profiles, clients ClientSource, opts ...Option) *Service {
	s := &Service{profiles: profiles, clients: clients, repairer: repair.Default}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Profiles() []config.Profile { return s.profiles.List() }

func (s *Service) Profile(name string) (config.Profile, bool) { return s.profiles.Get(name) }

// Seed is the system prompt followed by the greeting, if the profile has one.
func Seed(p config.Profile) []models.Message {
	seed := []models.Message{{Role: models.RoleSystem, Content: p.SystemPrompt}}
	if p.Greeting != "" {
		seed = append(seed, models.Message{Role: models.RoleAssistant, Content: p.Greeting})
	}
	return seed
}

// NewConversation starts an empty conversation for the named profile.
func (s *Service) NewConversation(id, profile string) (*session.Conversation, error) {
	p, ok := s.profiles.Get(profile)
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", profile)
	}
	return session.New(id, p.Name, Seed(p)), nil
}

// Submit runs one user submission through the conversation's profile.
// Provider and parsing failures are reported in the result, not as an error;
// the error return covers blank input, a cleared conversation and an unknown
// profile.
func (s *Service) Submit(ctx context.Context, conv *session.Conversation, text string, onChunk ChunkFunc) (*TurnResult, error) {
	p, ok := s.profiles.Get(conv.Profile())
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", conv.Profile())
	}
	turn, err := conv.Begin(text)
	if err != nil {
		return nil, err
	}
	res := &TurnResult{Profile: p.Name}
	client, err := s.clients.Client(ctx, p.Provider, p.Model)
	if err != nil {
		s.abandon(p, res, fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, p.Provider, err), "")
		s.finish(conv, res)
		return res, nil
	}

	switch p.Kind {
	case config.KindTutor:
		err = s.tutor(ctx, p, client, conv, turn, res)
	default:
		err = s.chat(ctx, p, client, conv, turn, res, onChunk)
	}
	if err != nil {
		return nil, err
	}
	s.finish(conv, res)
	return res, nil
}

func (s *Service) finish(conv *session.Conversation, res *TurnResult) {
	if res.Committed {
		res.add(render.Footer(res.Usage, res.Cost, conv.Usage(), conv.Cost()))
	}
	res.Markdown = render.Join(res.sections...)
	html, err := render.HTML(res.Markdown)
	if err != nil {
		log.Printf("assistant: %v", err)
		html = render.Raw(res.Markdown)
	}
	res.HTML = html
}

// abandon records a failed turn. Nothing has been committed at this point.
func (s *Service) abandon(p config.Profile, res *TurnResult, err error, raw string) {
	res.Err = err
	res.Notice = noticeFor(err)
	res.Raw = raw
	log.Printf("assistant: profile %s turn abandoned: %v", p.Name, err)
	if raw != "" {
		log.Printf("assistant: raw reply (%d bytes): %q", len(raw), truncate(raw, 512))
	}
	res.add(render.Notice(res.Notice), render.Raw(raw))
}

func noticeFor(err error) string {
	var (
		failure   *ai.Failure
		malformed *repair.MalformedResponse
		missing   *repair.MissingField
	)
	switch {
	case errors.As(err, &failure) && failure.Timeout:
		return "The language model did not answer in time. Please try again."
	case errors.As(err, &failure):
		return "The language model could not be reached. Please try again."
	case errors.As(err, &malformed), errors.As(err, &missing):
		return "The reply could not be understood. Please try again."
	case errors.Is(err, ErrProviderUnavailable):
		return "This assistant is not available right now. Please contact the operator."
	case errors.Is(err, ai.ErrInvalidTemperature):
		return "This assistant is misconfigured. Please contact the operator."
	default:
		return "Something went wrong. Please try again."
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func userMessage(content string) models.Message {
	return models.Message{Role: models.RoleUser, Content: content}
}
