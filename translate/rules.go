package translate

import (
	"database/sql"
	"regexp"
	"strings"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// Rule is one correction applied to translated text. Literal rules replace a
// fixed substring; regex rules replace every match of a compiled pattern.
// Language filters of "" match any language.
type Rule struct {
	ID            int64
	Name          string
	Enabled       bool
	RuleType      string // "literal" or "regex"
	Pattern       string
	Replacement   string
	CaseSensitive bool
	SourceLang    string
	TargetLang    string
	Priority      int

	re *regexp.Regexp
}

// compile prepares the regex form. Called once at load; literal rules are
// untouched.
func (r *Rule) compile() error {
	if r.RuleType != "regex" {
		return nil
	}
	pattern := r.Pattern
	if !r.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errors.Wrapf(err, "compile correction rule %d (%s)", r.ID, r.Name)
	}
	r.re = re
	return nil
}

// Matches reports whether the rule's language filters admit this pair.
func (r *Rule) Matches(sourceLang, targetLang string) bool {
	if r.SourceLang != "" && r.SourceLang != sourceLang {
		return false
	}
	if r.TargetLang != "" && r.TargetLang != targetLang {
		return false
	}
	return true
}

// Apply runs the rule against text and reports whether anything changed.
func (r *Rule) Apply(text string) (string, bool) {
	var out string
	switch r.RuleType {
	case "regex":
		if r.re == nil {
			return text, false
		}
		out = r.re.ReplaceAllString(text, r.Replacement)
	default:
		if r.CaseSensitive {
			out = strings.ReplaceAll(text, r.Pattern, r.Replacement)
		} else {
			out = replaceAllFold(text, r.Pattern, r.Replacement)
		}
	}
	return out, out != text
}

// replaceAllFold is a case-insensitive literal replace preserving the
// untouched remainder byte-for-byte.
func replaceAllFold(text, pattern, replacement string) string {
	if pattern == "" {
		return text
	}
	lower := strings.ToLower(text)
	needle := strings.ToLower(pattern)

	var b strings.Builder
	start := 0
	for {
		idx := strings.Index(lower[start:], needle)
		if idx < 0 {
			b.WriteString(text[start:])
			return b.String()
		}
		abs := start + idx
		b.WriteString(text[start:abs])
		b.WriteString(replacement)
		start = abs + len(pattern)
	}
}

// RuleStore loads correction rules.
type RuleStore struct {
	db *sql.DB
}

// NewRuleStore creates a rule store.
func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

// ListEnabled returns enabled rules in application order: priority
// descending, then creation order. Rules with broken regexes are skipped at
// load rather than failing the batch.
func (s *RuleStore) ListEnabled() ([]Rule, error) {
	rows, err := s.db.Query(`SELECT id, name, enabled, rule_type, pattern, replacement,
			case_sensitive, COALESCE(source_lang, ''), COALESCE(target_lang, ''), priority
		FROM correction_rules
		WHERE enabled = 1
		ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "list correction rules")
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.RuleType, &r.Pattern, &r.Replacement,
			&r.CaseSensitive, &r.SourceLang, &r.TargetLang, &r.Priority); err != nil {
			return nil, errors.Wrap(err, "scan correction rule")
		}
		if err := r.compile(); err != nil {
			continue
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// Create inserts a rule and returns its id.
func (s *RuleStore) Create(r *Rule) error {
	res, err := s.db.Exec(`INSERT INTO correction_rules
			(name, enabled, rule_type, pattern, replacement, case_sensitive, source_lang, target_lang, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Enabled, r.RuleType, r.Pattern, r.Replacement, r.CaseSensitive,
		nullableLang(r.SourceLang), nullableLang(r.TargetLang), r.Priority)
	if err != nil {
		return errors.Wrapf(err, "create correction rule %q", r.Name)
	}
	r.ID, err = res.LastInsertId()
	return errors.Wrapf(err, "create correction rule %q", r.Name)
}

func nullableLang(lang string) interface{} {
	if lang == "" {
		return nil
	}
	return lang
}

// ApplyRules runs every matching rule over text in order and returns the
// corrected text plus the ids of rules that changed it. A rule only counts
// as applied when the text actually changed.
func ApplyRules(rules []Rule, text, sourceLang, targetLang string) (string, []int64) {
	var fired []int64
	for i := range rules {
		r := &rules[i]
		if !r.Matches(sourceLang, targetLang) {
			continue
		}
		next, changed := r.Apply(text)
		if changed {
			fired = append(fired, r.ID)
			text = next
		}
	}
	return text, fired
}
