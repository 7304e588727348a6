package templates

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/hindsight-io/hindsight/internal/event"
)

// The storage target is the relational analytics.* namespace. Nothing in
// the core infers any other schema name at runtime.

var allTemplates = []*Template{
	{
		Name: LogEvent,
		SQL: `INSERT INTO analytics.events
  (event_id, activity, customer, ts, link, revenue_impact, features,
   source_system, source_version, session_id, query_tag)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		Placeholders: 11,
		params: []paramSpec{
			{"event_id", checkUUID},
			{"activity", checkActivity},
			{"customer", checkCustomer},
			{"ts", checkTime},
			{"link", nullable(checkLink)},
			{"revenue_impact", nullable(checkNumber)},
			{"features", nullable(checkFeatures)},
			{"source_system", nullable(checkShortString)},
			{"source_version", nullable(checkShortString)},
			{"session_id", nullable(checkShortString)},
			{"query_tag", nullable(checkQueryTag)},
		},
	},
	{
		Name: LogInsight,
		SQL: `INSERT INTO analytics.insight_atoms
  (atom_id, customer, subject, metric, value, provenance_hash, ts, valid_until)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		Placeholders: 8,
		params: []paramSpec{
			{"atom_id", checkUUID},
			{"customer", checkCustomer},
			{"subject", checkShortString},
			{"metric", checkShortString},
			{"value", checkJSONScalarOrArray},
			{"provenance_hash", checkProvenanceHash},
			{"ts", checkTime},
			{"valid_until", nullable(checkTime)},
		},
	},
	{
		Name: GetContext,
		SQL: `SELECT customer, context_blob, updated_at
FROM analytics.customer_context
WHERE customer = $1`,
		Placeholders: 1,
		params:       []paramSpec{{"customer", checkCustomer}},
	},
	{
		Name: GetContextBulk,
		SQL: `SELECT customer, context_blob, updated_at
FROM analytics.customer_context
WHERE customer = ANY($1)`,
		Placeholders: 1,
		params:       []paramSpec{{"customers", checkCustomerList}},
	},
	{
		Name: UpdateContext,
		SQL: `INSERT INTO analytics.customer_context (customer, context_blob, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (customer) DO UPDATE
SET context_blob = EXCLUDED.context_blob, updated_at = now()`,
		Placeholders: 2,
		params: []paramSpec{
			{"customer", checkCustomer},
			{"context_blob", checkFeatures},
		},
	},
	{
		Name: GetRecentActivities,
		SQL: `SELECT activity, ts, features
FROM analytics.events
WHERE customer = $1
ORDER BY ts DESC
LIMIT $2`,
		Placeholders: 2,
		params: []paramSpec{
			{"customer", checkCustomer},
			{"limit", intRange(1, 1000)},
		},
	},
	{
		Name: GetActivityStats,
		SQL: `SELECT activity, count(*) AS occurrences, max(ts) AS last_seen
FROM analytics.events
WHERE customer = $1 AND ts >= $2
GROUP BY activity
ORDER BY occurrences DESC`,
		Placeholders: 2,
		params: []paramSpec{
			{"customer", checkCustomer},
			{"since", checkTime},
		},
	},
	{
		Name:         CheckHealth,
		SQL:          `SELECT 1 AS ok`,
		Placeholders: 0,
		params:       []paramSpec{},
	},
	{
		Name:         CheckIngestID,
		SQL:          `SELECT 1 FROM analytics.ingest_ids WHERE event_id = $1`,
		Placeholders: 1,
		params:       []paramSpec{{"event_id", checkUUID}},
	},
	{
		Name: RecordIngestID,
		SQL: `INSERT INTO analytics.ingest_ids (event_id, ingested_at)
VALUES ($1, now())
ON CONFLICT (event_id) DO NOTHING`,
		Placeholders: 1,
		params:       []paramSpec{{"event_id", checkUUID}},
	},
	{
		Name: GetActiveCustomers,
		SQL: `SELECT DISTINCT customer
FROM analytics.events
WHERE ts >= now() - make_interval(mins => $1)
LIMIT $2`,
		Placeholders: 2,
		params: []paramSpec{
			{"window_minutes", intRange(1, 7*24*60)},
			{"limit", intRange(1, 10000)},
		},
	},
}

// ── parameter checks ─────────────────────────────────────────────────────

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
var queryTagRe = regexp.MustCompile(`^[a-z][a-z0-9_]*_[0-9a-f]{16}$`)

const maxShortString = 512

func checkUUID(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !uuidRe.MatchString(s) {
		return nil, fmt.Errorf("not a canonical lowercase UUID: %v", v)
	}
	return s, nil
}

func checkActivity(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("not a string")
	}
	if err := event.ValidateActivity(s); err != nil {
		return nil, err
	}
	return s, nil
}

func checkCustomer(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("not a string")
	}
	if err := event.ValidateCustomer(s); err != nil {
		return nil, err
	}
	return s, nil
}

func checkCustomerList(v any) (any, error) {
	list, ok := v.([]string)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("not a non-empty string list")
	}
	if len(list) > 100 {
		return nil, fmt.Errorf("at most 100 customers per bulk read, got %d", len(list))
	}
	for _, c := range list {
		if err := event.ValidateCustomer(c); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func checkTime(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, fmt.Errorf("not an RFC3339 timestamp: %v", err)
		}
		return parsed.UTC(), nil
	default:
		return nil, fmt.Errorf("not a timestamp")
	}
}

func checkLink(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("not a string")
	}
	if err := event.ValidateLink(s); err != nil {
		return nil, err
	}
	return s, nil
}

func checkNumber(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return nil, fmt.Errorf("not a number")
	}
}

func checkFeatures(v any) (any, error) {
	raw, err := asRawJSON(v)
	if err != nil {
		return nil, err
	}
	if err := event.ValidateFeatures(raw); err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// checkJSONScalarOrArray admits the insight atom value forms: a JSON
// scalar or a short array, never a nested object.
func checkJSONScalarOrArray(v any) (any, error) {
	raw, err := asRawJSON(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("not valid JSON: %v", err)
	}
	switch t := decoded.(type) {
	case map[string]any:
		return nil, fmt.Errorf("value must be a scalar or short array, not an object")
	case []any:
		if len(t) > 16 {
			return nil, fmt.Errorf("value array too long: %d", len(t))
		}
	}
	return []byte(raw), nil
}

func checkProvenanceHash(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("not a string")
	}
	if err := event.ValidateProvenanceHash(s); err != nil {
		return nil, err
	}
	return s, nil
}

func checkShortString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("not a string")
	}
	if s == "" || len(s) > maxShortString {
		return nil, fmt.Errorf("must be 1..%d bytes", maxShortString)
	}
	return s, nil
}

func checkQueryTag(v any) (any, error) {
	s, ok := v.(string)
	if !ok || !queryTagRe.MatchString(s) {
		return nil, fmt.Errorf("not a <prefix>_<16-hex> query tag: %v", v)
	}
	return s, nil
}

func intRange(lo, hi int) func(any) (any, error) {
	return func(v any) (any, error) {
		var n int
		switch t := v.(type) {
		case int:
			n = t
		case int64:
			n = int(t)
		case float64:
			if t != float64(int(t)) {
				return nil, fmt.Errorf("not an integer: %v", t)
			}
			n = int(t)
		default:
			return nil, fmt.Errorf("not an integer")
		}
		if n < lo || n > hi {
			return nil, fmt.Errorf("out of range [%d, %d]: %d", lo, hi, n)
		}
		return n, nil
	}
}

// nullable admits nil and delegates everything else to check.
func nullable(check func(any) (any, error)) func(any) (any, error) {
	return func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		if s, ok := v.(string); ok && s == "" {
			return nil, nil
		}
		return check(v)
	}
}

func asRawJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	case string:
		return json.RawMessage(t), nil
	default:
		return nil, fmt.Errorf("not raw JSON")
	}
}
