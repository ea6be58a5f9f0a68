package rules

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/auditconsole/classify/internal/models"
)

func rule(assetType, field, content string, level models.Level) *models.ClassificationRule {
	return &models.ClassificationRule{
		ID:             uuid.New(),
		Enabled:        true,
		AssetType:      assetType,
		FieldPattern:   field,
		ContentPattern: content,
		Level:          level,
	}
}

func TestMatcher_CardScenario(t *testing.T) {
	m := NewMatcher(16)
	ruleList := []*models.ClassificationRule{
		rule("TABLE", ".*card.*", "", models.LevelRestricted),
		rule("", "", "", models.LevelInternal),
	}

	tests := []struct {
		name      string
		assetName string
		expected  models.Level
	}{
		{"card column hits first rule", "credit_card_number", models.LevelRestricted},
		{"other column falls through to catch-all", "description", models.LevelInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			asset := &models.DataAsset{Name: tt.assetName, AssetType: "TABLE"}
			level, _ := m.Match(asset, ruleList)
			if level != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, level)
			}
		})
	}
}

func TestMatcher_FirstMatchWins(t *testing.T) {
	m := NewMatcher(16)
	first := rule("", "amount", "", models.LevelConfidential)
	second := rule("", "amount", "", models.LevelRestricted)

	level, matched := m.Match(&models.DataAsset{Name: "txn_amount"}, []*models.ClassificationRule{first, second})
	if level != models.LevelConfidential {
		t.Errorf("expected first rule level C3, got %s", level)
	}
	if matched != first {
		t.Error("expected first rule to be reported as the match")
	}
}

func TestMatcher_TypeFilterBlocksMatch(t *testing.T) {
	m := NewMatcher(16)
	ruleList := []*models.ClassificationRule{
		rule("FILE", "card", "\\d+", models.LevelRestricted),
	}
	asset := &models.DataAsset{Name: "card_number", AssetType: "TABLE", ClassificationBasis: "4111"}

	level, matched := m.Match(asset, ruleList)
	if matched != nil {
		t.Fatal("rule with a different type filter must not match")
	}
	if level != models.DefaultLevel {
		t.Errorf("expected default level, got %s", level)
	}
}

func TestMatcher_FieldPatternIsCaseInsensitive(t *testing.T) {
	m := NewMatcher(16)
	ruleList := []*models.ClassificationRule{rule("", "iban", "", models.LevelConfidential)}

	level, matched := m.Match(&models.DataAsset{Name: "CUSTOMER_IBAN"}, ruleList)
	if matched == nil || level != models.LevelConfidential {
		t.Errorf("expected case-insensitive match, got %s", level)
	}
}

func TestMatcher_ContentPattern(t *testing.T) {
	m := NewMatcher(16)
	ruleList := []*models.ClassificationRule{rule("", "", `\b\d{3}-\d{2}-\d{4}\b`, models.LevelRestricted)}

	tests := []struct {
		name     string
		basis    string
		expected models.Level
	}{
		{"content match", "sample: 123-45-6789", models.LevelRestricted},
		{"no content", "", models.DefaultLevel},
		{"content mismatch", "no identifiers here", models.DefaultLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, _ := m.Match(&models.DataAsset{Name: "notes", ClassificationBasis: tt.basis}, ruleList)
			if level != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, level)
			}
		})
	}
}

func TestMatcher_InvalidPatternIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewMatcher(16, WithLogger(logger))

	broken := rule("", "([unclosed", "", models.LevelRestricted)
	fallback := rule("", "balance", "", models.LevelConfidential)

	level, matched := m.Match(&models.DataAsset{Name: "balance"}, []*models.ClassificationRule{broken, fallback})
	if matched != fallback || level != models.LevelConfidential {
		t.Errorf("expected broken rule to be skipped, got %s", level)
	}
	if !strings.Contains(buf.String(), "invalid pattern") {
		t.Errorf("expected warning to be logged, got %q", buf.String())
	}

	// The failure is cached, so a second evaluation does not log again.
	buf.Reset()
	m.Match(&models.DataAsset{Name: "balance"}, []*models.ClassificationRule{broken, fallback})
	if buf.Len() != 0 {
		t.Errorf("expected cached compile failure, got log %q", buf.String())
	}
}

func TestMatcher_SharedInvalidPatternReportedPerRule(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewMatcher(16, WithLogger(logger))

	first := rule("", "(iban", "", models.LevelRestricted)
	second := rule("", "(iban", "", models.LevelConfidential)
	asset := &models.DataAsset{Name: "iban"}

	m.Match(asset, []*models.ClassificationRule{first})
	if !strings.Contains(buf.String(), first.ID.String()) {
		t.Fatalf("expected warning for first rule, got %q", buf.String())
	}

	buf.Reset()
	m.Match(asset, []*models.ClassificationRule{second})
	if !strings.Contains(buf.String(), second.ID.String()) {
		t.Errorf("expected warning naming second rule, got %q", buf.String())
	}

	_, err := m.compile(second, "field", "(?i)"+second.FieldPattern)
	var perr *models.PatternError
	if !errors.As(err, &perr) || perr.RuleID != second.ID {
		t.Errorf("expected pattern error for second rule, got %v", err)
	}
}

func TestMatcher_MatchFields(t *testing.T) {
	m := NewMatcher(16)
	ruleList := []*models.ClassificationRule{
		rule("TABLE", "card", "", models.LevelRestricted),
		rule("", "email", "", models.LevelConfidential),
	}

	if _, _, ok := m.MatchFields("card_number", "", ruleList); ok {
		t.Error("typed rule must not match when no asset type is supplied")
	}

	level, _, ok := m.MatchFields("contact_email", "", ruleList)
	if !ok || level != models.LevelConfidential {
		t.Errorf("expected C3 match, got %s (ok=%v)", level, ok)
	}
}

func TestPredefinedRules(t *testing.T) {
	defaults := PredefinedRules()
	if len(defaults) == 0 {
		t.Fatal("expected predefined rules")
	}
	for i, r := range defaults {
		if err := ValidateRule(r); err != nil {
			t.Errorf("rule %q invalid: %v", r.Name, err)
		}
		if r.IsCatchAll() && i != len(defaults)-1 {
			t.Errorf("catch-all rule %q must be last", r.Name)
		}
	}

	m := NewMatcher(32)
	level, _ := m.Match(&models.DataAsset{Name: "customer_password_hash", AssetType: "COLUMN"}, defaults)
	if level != models.LevelRestricted {
		t.Errorf("expected credentials to be C4, got %s", level)
	}
	level, _ = m.Match(&models.DataAsset{Name: "branch_codes", AssetType: "REFERENCE"}, defaults)
	if level != models.LevelPublic {
		t.Errorf("expected reference table to be C1, got %s", level)
	}
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    *models.ClassificationRule
		wantErr bool
	}{
		{"valid", &models.ClassificationRule{Name: "r", Level: models.LevelPublic, FieldPattern: "a+"}, false},
		{"missing name", &models.ClassificationRule{Level: models.LevelPublic}, true},
		{"level out of range", &models.ClassificationRule{Name: "r", Level: 5}, true},
		{"bad content pattern", &models.ClassificationRule{Name: "r", Level: 2, ContentPattern: "(*"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRule() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type memoryStore struct {
	rules []*models.ClassificationRule
	order []string
}

func (s *memoryStore) GetRule(ctx context.Context, id string) (*models.ClassificationRule, error) {
	for _, r := range s.rules {
		if r.ID.String() == id {
			return r, nil
		}
	}
	return nil, models.NewNotFoundError("rule", uuid.Nil)
}

func (s *memoryStore) ListRules(ctx context.Context) ([]*models.ClassificationRule, error) {
	return s.rules, nil
}

func (s *memoryStore) ListEnabledRulesOrdered(ctx context.Context) ([]*models.ClassificationRule, error) {
	return s.rules, nil
}

func (s *memoryStore) CreateRule(ctx context.Context, r *models.ClassificationRule) error {
	r.ID = uuid.New()
	r.Position = len(s.rules) + 1
	s.rules = append(s.rules, r)
	return nil
}

func (s *memoryStore) UpdateRule(ctx context.Context, r *models.ClassificationRule) error {
	return nil
}

func (s *memoryStore) DeleteRule(ctx context.Context, id string) error {
	return nil
}

func (s *memoryStore) ReorderRules(ctx context.Context, ids []string) error {
	s.order = ids
	return nil
}

func TestService_SeedAndReorder(t *testing.T) {
	ctx := context.Background()
	st := &memoryStore{}
	svc := NewService(st, NewMatcher(16))

	created, err := svc.SeedDefaults(ctx, "system")
	if err != nil {
		t.Fatalf("SeedDefaults failed: %v", err)
	}
	if created != len(PredefinedRules()) {
		t.Errorf("expected %d seeded rules, got %d", len(PredefinedRules()), created)
	}

	again, _ := svc.SeedDefaults(ctx, "system")
	if again != 0 {
		t.Errorf("expected seeding to be skipped on a non-empty table, got %d", again)
	}

	ids := make([]string, len(st.rules))
	for i, r := range st.rules {
		ids[len(ids)-1-i] = r.ID.String()
	}
	if err := svc.ReorderRules(ctx, ids); err != nil {
		t.Fatalf("ReorderRules failed: %v", err)
	}
	if st.order[0] != st.rules[len(st.rules)-1].ID.String() {
		t.Error("expected reversed order to be persisted")
	}

	if err := svc.ReorderRules(ctx, ids[:1]); err == nil {
		t.Error("expected partial order to be rejected")
	}
	dup := append([]string{}, ids...)
	dup[1] = dup[0]
	if err := svc.ReorderRules(ctx, dup); err == nil {
		t.Error("expected duplicate ids to be rejected")
	}
}
