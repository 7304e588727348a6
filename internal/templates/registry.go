// Package templates is the closed registry of parameterized SQL issued
// against the warehouse. Dynamic SQL is forbidden: every statement the
// system executes is one of the named templates below, bound through its
// validator. The registry self-checks at construction and refuses to
// start with a malformed template.
package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hindsight-io/hindsight/internal/errkind"
)

// Template names. These are the only statements the core dispatches.
const (
	LogEvent            = "LOG_EVENT"
	LogInsight          = "LOG_INSIGHT"
	GetContext          = "GET_CONTEXT"
	GetContextBulk      = "GET_CONTEXT_BULK"
	UpdateContext       = "UPDATE_CONTEXT"
	GetRecentActivities = "GET_RECENT_ACTIVITIES"
	GetActivityStats    = "GET_ACTIVITY_STATS"
	CheckHealth         = "CHECK_HEALTH"
	CheckIngestID       = "CHECK_INGEST_ID"
	RecordIngestID      = "RECORD_INGEST_ID"
	GetActiveCustomers  = "GET_ACTIVE_CUSTOMERS"
)

// Template is one pre-registered statement: immutable SQL text, the
// declared positional placeholder count, and the per-parameter validator.
type Template struct {
	Name         string
	SQL          string
	Placeholders int
	params       []paramSpec
}

// paramSpec validates and normalizes one positional parameter.
type paramSpec struct {
	name  string
	check func(v any) (any, error)
}

// Registry is the process-global immutable name → template mapping.
type Registry struct {
	byName map[string]*Template
}

// New builds the registry and runs the startup self-check over every
// template. It returns an error rather than panicking so main can log
// and exit cleanly.
func New() (*Registry, error) {
	r := &Registry{byName: make(map[string]*Template, len(allTemplates))}
	for _, t := range allTemplates {
		if err := selfCheck(t); err != nil {
			return nil, fmt.Errorf("template %s rejected: %w", t.Name, err)
		}
		r.byName[t.Name] = t
	}
	return r, nil
}

// Get returns the named template; unknown names are InvalidArgument so
// callers can refuse them before any ticket is created.
func (r *Registry) Get(name string) (*Template, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, errkind.New(errkind.InvalidArgument, "unknown template %q", name)
	}
	return t, nil
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bind validates the positional parameters against the template's
// declared specs and returns a fresh slice in declared order. No SQL is
// ever dispatched with parameters that did not pass through Bind.
func (t *Template) Bind(params []any) ([]any, error) {
	if len(params) != len(t.params) {
		return nil, errkind.New(errkind.InvalidArgument,
			"%s expects %d parameters, got %d", t.Name, len(t.params), len(params))
	}
	bound := make([]any, len(params))
	for i, spec := range t.params {
		v, err := spec.check(params[i])
		if err != nil {
			return nil, errkind.Wrap(err, errkind.InvalidArgument, "%s parameter %d (%s)", t.Name, i+1, spec.name)
		}
		bound[i] = v
	}
	return bound, nil
}

// placeholderRe matches pgx positional markers.
var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// forbidden substrings: concatenation operators and templating sigils.
// Their presence in sql_text means the template was hand-edited into
// something dynamic and must be rejected.
var forbidden = []string{"||", "{{", "%s", "' +", "+ '", "${"}

func selfCheck(t *Template) error {
	for _, f := range forbidden {
		if strings.Contains(t.SQL, f) {
			return fmt.Errorf("sql_text contains forbidden sequence %q", f)
		}
	}
	seen := map[int]bool{}
	max := 0
	for _, m := range placeholderRe.FindAllStringSubmatch(t.SQL, -1) {
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		seen[n] = true
		if n > max {
			max = n
		}
	}
	if len(seen) != t.Placeholders || max != t.Placeholders {
		return fmt.Errorf("declared %d placeholders, sql_text has %d (max $%d)", t.Placeholders, len(seen), max)
	}
	if t.Placeholders != len(t.params) {
		return fmt.Errorf("declared %d placeholders but %d parameter specs", t.Placeholders, len(t.params))
	}
	return nil
}

// Fingerprint is the provenance hash for a template + parameter tuple:
// the first 16 hex characters of SHA-256 over the normalized SQL text
// concatenated with the canonical JSON of the bound parameters.
func Fingerprint(sqlText string, params []any) string {
	norm := strings.ToLower(strings.Join(strings.Fields(sqlText), " "))
	canon, _ := json.Marshal(params)
	sum := sha256.Sum256(append([]byte(norm), canon...))
	return hex.EncodeToString(sum[:])[:16]
}

// QueryTag builds the per-session warehouse query tag <prefix>_<16-hex>.
func QueryTag(prefix, fingerprint string) string {
	return prefix + "_" + fingerprint
}
