package integrity

import (
	"errors"
	"fmt"
	"os"

	"github.com/stemsi/exstem-client/internal/model"
	"gopkg.in/yaml.v3"
)

// Mode decides whether a signal only gets reported or also blocks the default UI action.
type Mode string

const (
	ModePassive  Mode = "passive"
	ModeBlocking Mode = "blocking"
)

var ErrInvalidPolicy = errors.New("invalid integrity policy")

// Rule configures a single kind.
type Rule struct {
	Severity model.Severity `yaml:"severity"`
	Mode     Mode           `yaml:"mode"`
}

// Policy maps signal kinds to rules. Kinds not listed are ignored.
type Policy struct {
	Rules map[model.IntegrityKind]Rule `yaml:"rules"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{Rules: map[model.IntegrityKind]Rule{
		model.IntegrityVisibility:  {Severity: model.SeverityMedium, Mode: ModePassive},
		model.IntegrityFullscreen:  {Severity: model.SeverityHigh, Mode: ModePassive},
		model.IntegrityClipboard:   {Severity: model.SeverityMedium, Mode: ModeBlocking},
		model.IntegrityContextMenu: {Severity: model.SeverityLow, Mode: ModeBlocking},
		model.IntegrityKeyCombo:    {Severity: model.SeverityMedium, Mode: ModeBlocking},
		model.IntegrityNavigation:  {Severity: model.SeverityHigh, Mode: ModeBlocking},
		model.IntegrityDevtools:    {Severity: model.SeverityCritical, Mode: ModeBlocking},
	}}
}

// LoadPolicy reads a YAML policy from path. An empty path yields DefaultPolicy.
// Kinds missing from the file keep their default rule.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read integrity policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document on top of DefaultPolicy.
func ParsePolicy(data []byte) (*Policy, error) {
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	p := DefaultPolicy()
	for kind, rule := range file.Rules {
		if rule.Severity == "" {
			rule.Severity = model.SeverityLow
		}
		if rule.Mode == "" {
			rule.Mode = ModePassive
		}
		if !rule.Severity.Valid() {
			return nil, fmt.Errorf("%w: kind %q has unknown severity %q", ErrInvalidPolicy, kind, rule.Severity)
		}
		if rule.Mode != ModePassive && rule.Mode != ModeBlocking {
			return nil, fmt.Errorf("%w: kind %q has unknown mode %q", ErrInvalidPolicy, kind, rule.Mode)
		}
		p.Rules[kind] = rule
	}
	return p, nil
}

// Lookup returns the rule for kind.
func (p *Policy) Lookup(kind model.IntegrityKind) (Rule, bool) {
	r, ok := p.Rules[kind]
	return r, ok
}
