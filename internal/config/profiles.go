package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfiles []byte

const (
	KindTutor = "tutor"
	KindChat  = "chat"

	HistoryFull   = "full"
	HistoryOneOff = "oneoff"
)

// Profile is one application variant. Everything that differed between the
// tutor, classifier and order-bot apps is data here.
type Profile struct {
	Name               string   `yaml:"name" json:"name"`
	Kind               string   `yaml:"kind" json:"kind"`
	Title              string   `yaml:"title" json:"title"`
	Intro              string   `yaml:"intro" json:"intro"`
	Provider           string   `yaml:"provider" json:"-"`
	Model              string   `yaml:"model" json:"-"`
	Temperature        float64  `yaml:"temperature" json:"-"`
	ReasonsTemperature float64  `yaml:"reasons_temperature" json:"-"`
	Reasons            bool     `yaml:"reasons" json:"-"`
	History            string   `yaml:"history" json:"-"`
	SystemPrompt       string   `yaml:"system_prompt" json:"-"`
	Greeting           string   `yaml:"greeting" json:"greeting,omitempty"`
	UserTemplate       string   `yaml:"user_template" json:"-"`
	ReplySuffix        string   `yaml:"reply_suffix" json:"-"`
	Stream             bool     `yaml:"stream" json:"stream"`
	ExtractOrder       bool     `yaml:"extract_order" json:"-"`
	Examples           []string `yaml:"examples" json:"examples,omitempty"`
	Pricing            Pricing  `yaml:"pricing" json:"-"`
}

// Pricing converts token usage to a USD cost.
type Pricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// Cost returns the price of the given token counts.
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*p.PromptPer1K + float64(completionTokens)/1000*p.CompletionPer1K
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Profiles indexes the configured application variants by name.
type Profiles struct {
	byName map[string]Profile
	order  []string
}

// LoadProfiles parses the YAML file at path, or the embedded defaults when path
// is empty.
func LoadProfiles(path string) (*Profiles, error) {
	data := defaultProfiles
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profiles %s: %w", path, err)
		}
		data = raw
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes and validates a profiles document.
func ParseProfiles(data []byte) (*Profiles, error) {
	var doc profileFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, errors.New("no profiles configured")
	}
	ps := &Profiles{byName: make(map[string]Profile, len(doc.Profiles))}
	for _, p := range doc.Profiles {
		p.Name = strings.TrimSpace(p.Name)
		if p.History == "" {
			p.History = HistoryFull
		}
		if p.Kind == KindTutor && p.ReasonsTemperature == 0 {
			p.ReasonsTemperature = p.Temperature
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := ps.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		ps.byName[p.Name] = p
		ps.order = append(ps.order, p.Name)
	}
	return ps, nil
}

// Validate checks a single profile.
func (p Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is required")
	}
	switch p.Kind {
	case KindTutor, KindChat:
	default:
		return fmt.Errorf("profile %s: unsupported kind %q", p.Name, p.Kind)
	}
	switch p.History {
	case HistoryFull, HistoryOneOff:
	default:
		return fmt.Errorf("profile %s: unsupported history %q", p.Name, p.History)
	}
	if p.Provider == "" {
		return fmt.Errorf("profile %s: provider is required", p.Name)
	}
	if p.Temperature < 0 || p.Temperature > 1 || p.ReasonsTemperature < 0 || p.ReasonsTemperature > 1 {
		return fmt.Errorf("profile %s: temperature must be within [0,1]", p.Name)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("profile %s: system_prompt is required", p.Name)
	}
	return nil
}

// Get returns the named profile.
func (ps *Profiles) Get(name string) (Profile, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// List returns profiles in file order.
func (ps *Profiles) List() []Profile {
	out := make([]Profile, 0, len(ps.order))
	for _, name := range ps.order {
		out = append(out, ps.byName[name])
	}
	return out
}

// Providers returns the distinct provider names the profiles reference.
func (ps *Profiles) Providers() []string {
	seen := make(map[string]struct{})
	for _, p := range ps.byName {
		seen[p.Provider] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
