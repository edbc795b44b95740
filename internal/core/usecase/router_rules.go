package usecase

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/knowledge-retrieval/internal/core/domain"
)

//go:embed router_rules.yaml
var defaultRouterRules []byte

type routerRulesFile struct {
	Rules       []routerRuleSpec `yaml:"rules"`
	Referential []string         `yaml:"referential"`
}

type routerRuleSpec struct {
	Name     string   `yaml:"name"`
	Intent   string   `yaml:"intent"`
	MaxWords int      `yaml:"max_words"`
	Patterns []string `yaml:"patterns"`
}

type routerRule struct {
	name     string
	intent   domain.Intent
	maxWords int
	patterns []*regexp.Regexp
}

// RouterRules is the compiled fast-path table plus the referential detector.
type RouterRules struct {
	rules       []routerRule
	referential []*regexp.Regexp
}

// DefaultRouterRules compiles the embedded rule table.
func DefaultRouterRules() (*RouterRules, error) {
	return ParseRouterRules(defaultRouterRules)
}

func ParseRouterRules(raw []byte) (*RouterRules, error) {
	var file routerRulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "parse router rules", err)
	}

	out := &RouterRules{rules: make([]routerRule, 0, len(file.Rules))}
	for _, def := range file.Rules {
		intent, ok := domain.ParseIntent(def.Intent)
		if !ok {
			return nil, domain.WrapError(domain.ErrConfiguration, "parse router rules", fmt.Errorf("rule %q: unknown intent %q", def.Name, def.Intent))
		}
		rule := routerRule{name: def.Name, intent: intent, maxWords: def.MaxWords}
		for _, pattern := range def.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, domain.WrapError(domain.ErrConfiguration, "parse router rules", fmt.Errorf("rule %q: %w", def.Name, err))
			}
			rule.patterns = append(rule.patterns, re)
		}
		out.rules = append(out.rules, rule)
	}
	for _, pattern := range file.Referential {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, domain.WrapError(domain.ErrConfiguration, "parse router rules", fmt.Errorf("referential: %w", err))
		}
		out.referential = append(out.referential, re)
	}
	return out, nil
}

// Match returns the intent of the first rule matching query.
func (r *RouterRules) Match(query string) (domain.Intent, string, bool) {
	normalized := normalizeQuery(query)
	if normalized == "" {
		return "", "", false
	}
	words := len(strings.Fields(normalized))
	for _, rule := range r.rules {
		if rule.maxWords > 0 && words > rule.maxWords {
			continue
		}
		for _, re := range rule.patterns {
			if re.MatchString(normalized) {
				return rule.intent, rule.name, true
			}
		}
	}
	return "", "", false
}

// IsReferential reports whether query leans on earlier turns.
func (r *RouterRules) IsReferential(query string) bool {
	normalized := normalizeQuery(query)
	for _, re := range r.referential {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}
