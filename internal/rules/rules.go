package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/auditconsole/classify/internal/models"
)

// DefaultPatternCacheSize bounds the number of compiled expressions kept in memory.
const DefaultPatternCacheSize = 512

// compiled is a cache entry; a failed compile is cached as well so a broken
// rule is reported once instead of on every evaluation.
type compiled struct {
	re  *regexp.Regexp
	err error
}

// Matcher evaluates assets against an ordered rule list. It is safe for
// concurrent use and holds no per-evaluation state.
type Matcher struct {
	cache  *lru.Cache[string, compiled]
	logger *slog.Logger
}

type MatcherOption func(*Matcher)

func WithLogger(logger *slog.Logger) MatcherOption {
	return func(m *Matcher) {
		m.logger = logger
	}
}

// NewMatcher creates a matcher with a compiled-pattern cache of the given size.
func NewMatcher(cacheSize int, opts ...MatcherOption) *Matcher {
	if cacheSize <= 0 {
		cacheSize = DefaultPatternCacheSize
	}
	cache, _ := lru.New[string, compiled](cacheSize)

	m := &Matcher{
		cache:  cache,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Match returns the level of the first rule, in slice order, whose every
// present filter matches the asset. When nothing matches it returns
// models.DefaultLevel and a nil rule.
func (m *Matcher) Match(asset *models.DataAsset, rules []*models.ClassificationRule) (models.Level, *models.ClassificationRule) {
	for _, rule := range rules {
		if m.matchRule(rule, asset.AssetType, true, asset.Name, asset.ClassificationBasis) {
			return rule.Level, rule
		}
	}
	return models.DefaultLevel, nil
}

// MatchFields evaluates only the pattern filters against a bare field name
// and sample content. Rules carrying a type filter cannot match because no
// asset type is known.
func (m *Matcher) MatchFields(fieldName, content string, rules []*models.ClassificationRule) (models.Level, *models.ClassificationRule, bool) {
	for _, rule := range rules {
		if m.matchRule(rule, "", false, fieldName, content) {
			return rule.Level, rule, true
		}
	}
	return 0, nil, false
}

func (m *Matcher) matchRule(rule *models.ClassificationRule, assetType string, typeKnown bool, name, content string) bool {
	if rule.AssetType != "" {
		if !typeKnown || rule.AssetType != assetType {
			return false
		}
	}

	if rule.FieldPattern != "" {
		re, err := m.compile(rule, "field", "(?i)"+rule.FieldPattern)
		if err != nil || !re.MatchString(name) {
			return false
		}
	}

	if rule.ContentPattern != "" {
		re, err := m.compile(rule, "content", rule.ContentPattern)
		if err != nil || !re.MatchString(content) {
			return false
		}
	}

	return true
}

// compile returns the compiled expression. Successful compiles are shared by
// every rule using the same expression; failures are cached per rule so each
// broken rule is reported once under its own id.
func (m *Matcher) compile(rule *models.ClassificationRule, field, expr string) (*regexp.Regexp, error) {
	if c, ok := m.cache.Get(expr); ok {
		return c.re, c.err
	}
	failKey := rule.ID.String() + "\x00" + field + "\x00" + expr
	if c, ok := m.cache.Get(failKey); ok {
		return nil, c.err
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		perr := &models.PatternError{RuleID: rule.ID, Field: field, Pattern: expr, Err: err}
		m.logger.Warn("skipping classification rule with invalid pattern",
			"rule_id", rule.ID,
			"rule_name", rule.Name,
			"field", field,
			"error", perr)
		m.cache.Add(failKey, compiled{err: perr})
		return nil, perr
	}

	m.cache.Add(expr, compiled{re: re})
	return re, nil
}

// ValidatePattern validates a regex pattern. Empty patterns are allowed and
// mean "no filter".
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return nil
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}

// ValidateRule checks a rule before it is persisted.
func ValidateRule(rule *models.ClassificationRule) error {
	if rule.Name == "" {
		return models.NewValidationError("name", "is required")
	}
	if !rule.Level.Valid() {
		return models.NewValidationError("level", fmt.Sprintf("level %d out of range", rule.Level))
	}
	if err := ValidatePattern(rule.FieldPattern); err != nil {
		return models.NewValidationError("field_pattern", err.Error())
	}
	if err := ValidatePattern(rule.ContentPattern); err != nil {
		return models.NewValidationError("content_pattern", err.Error())
	}
	return nil
}

// Store defines the interface for rule persistence. Rules are a sequence:
// ListEnabledRulesOrdered must return them in Position order.
type Store interface {
	GetRule(ctx context.Context, id string) (*models.ClassificationRule, error)
	ListRules(ctx context.Context) ([]*models.ClassificationRule, error)
	ListEnabledRulesOrdered(ctx context.Context) ([]*models.ClassificationRule, error)
	CreateRule(ctx context.Context, rule *models.ClassificationRule) error
	UpdateRule(ctx context.Context, rule *models.ClassificationRule) error
	DeleteRule(ctx context.Context, id string) error
	ReorderRules(ctx context.Context, ids []string) error
}

// Service manages classification rules for the API layer.
type Service struct {
	store   Store
	matcher *Matcher
}

func NewService(store Store, matcher *Matcher) *Service {
	return &Service{store: store, matcher: matcher}
}

func (s *Service) GetRules(ctx context.Context) ([]*models.ClassificationRule, error) {
	return s.store.ListRules(ctx)
}

func (s *Service) GetRule(ctx context.Context, id string) (*models.ClassificationRule, error) {
	return s.store.GetRule(ctx, id)
}

// CreateRule validates the rule and appends it to the end of the sequence.
func (s *Service) CreateRule(ctx context.Context, rule *models.ClassificationRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	return s.store.CreateRule(ctx, rule)
}

func (s *Service) UpdateRule(ctx context.Context, rule *models.ClassificationRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	return s.store.UpdateRule(ctx, rule)
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.store.DeleteRule(ctx, id)
}

func (s *Service) EnableRule(ctx context.Context, id string, enabled bool) error {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	rule.Enabled = enabled
	return s.store.UpdateRule(ctx, rule)
}

// ReorderRules persists a new evaluation order. ids must name every rule exactly once.
func (s *Service) ReorderRules(ctx context.Context, ids []string) error {
	existing, err := s.store.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(ids) != len(existing) {
		return models.NewValidationError("ids", fmt.Sprintf("expected %d rule ids, got %d", len(existing), len(ids)))
	}
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[r.ID.String()] = true
	}
	for _, id := range ids {
		if !known[id] {
			return models.NewValidationError("ids", fmt.Sprintf("unknown or duplicate rule id %s", id))
		}
		delete(known, id)
	}
	return s.store.ReorderRules(ctx, ids)
}

// TestRule evaluates a single, unsaved rule against a sample asset.
func (s *Service) TestRule(rule *models.ClassificationRule, asset *models.DataAsset) (bool, error) {
	if err := ValidateRule(rule); err != nil {
		return false, err
	}
	_, matched := s.matcher.Match(asset, []*models.ClassificationRule{rule})
	return matched != nil, nil
}

// SeedDefaults installs PredefinedRules when the rule table is empty.
func (s *Service) SeedDefaults(ctx context.Context, createdBy string) (int, error) {
	existing, err := s.store.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	var errs []error
	created := 0
	for _, rule := range PredefinedRules() {
		rule.CreatedBy = createdBy
		if err := s.store.CreateRule(ctx, rule); err != nil {
			errs = append(errs, fmt.Errorf("seeding rule %q: %w", rule.Name, err))
			continue
		}
		created++
	}
	return created, errors.Join(errs...)
}

// PredefinedRules returns the built-in banking rule set in evaluation order.
// The final unfiltered rule is the catch-all and must stay last.
func PredefinedRules() []*models.ClassificationRule {
	return []*models.ClassificationRule{
		{
			Name:         "Card numbers",
			Description:  "Primary account numbers and card verification data",
			Enabled:      true,
			FieldPattern: `card_?(no|num|number)|\bpan\b|cvv|cvc`,
			Level:        models.LevelRestricted,
		},
		{
			Name:           "Card numbers in samples",
			Description:    "Sample content containing Visa, MasterCard or Amex numbers",
			Enabled:        true,
			ContentPattern: `\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13})\b`,
			Level:          models.LevelRestricted,
		},
		{
			Name:         "Credentials",
			Description:  "Passwords, secrets and private keys",
			Enabled:      true,
			FieldPattern: `passw(or)?d|secret|private_?key|api_?key|token`,
			Level:        models.LevelRestricted,
		},
		{
			Name:         "National identifiers",
			Description:  "Tax ids, social security and passport numbers",
			Enabled:      true,
			FieldPattern: `ssn|social_?security|tax_?id|passport|national_?id`,
			Level:        models.LevelRestricted,
		},
		{
			Name:         "Account numbers",
			Description:  "Deposit account and routing numbers",
			Enabled:      true,
			FieldPattern: `account_?(no|num|number)|iban|routing|swift|bic`,
			Level:        models.LevelConfidential,
		},
		{
			Name:         "Customer contact data",
			Description:  "Names, phone numbers, addresses, emails",
			Enabled:      true,
			FieldPattern: `phone|mobile|email|address|birth|dob|customer_?name`,
			Level:        models.LevelConfidential,
		},
		{
			Name:         "Public reference data",
			Description:  "Published reference tables",
			Enabled:      true,
			AssetType:    "REFERENCE",
			Level:        models.LevelPublic,
		},
		{
			Name:        "Internal catch-all",
			Description: "Everything else is internal data",
			Enabled:     true,
			Level:       models.DefaultLevel,
		},
	}
}
