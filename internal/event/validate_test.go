package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-io/hindsight/internal/errkind"
)

func TestNormalizeActivity(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare verb gets namespace", "session_started", "assistant.session_started"},
		{"already namespaced", "assistant.query_run", "assistant.query_run"},
		{"foreign namespace preserved", "billing.invoice_paid", "billing.invoice_paid"},
		{"uppercase lowered", "Session_Started", "assistant.session_started"},
		{"whitespace trimmed", "  tool_used ", "assistant.tool_used"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeActivity(tt.in))
		})
	}
}

func TestValidateActivity(t *testing.T) {
	valid := []string{"assistant.session_started", "assistant.sql_executed", "a.b.c", "x2.y_z"}
	for _, a := range valid {
		assert.NoError(t, ValidateActivity(a), a)
	}
	invalid := []string{"", "assistant", "Assistant.start", "assistant..start", "assistant.start!", "assistant.start time", "1x.start", ".start"}
	for _, a := range invalid {
		err := ValidateActivity(a)
		require.Error(t, err, a)
		assert.Equal(t, errkind.InvalidArgument, errkind.KindOf(err))
	}
}

// Builds an object nested to the given container depth:
// nested(2) == {"k":{"k":1}}.
func nested(depth int) json.RawMessage {
	return json.RawMessage(strings.Repeat(`{"k":`, depth) + `1` + strings.Repeat(`}`, depth))
}

func TestValidateFeatures_DepthBoundary(t *testing.T) {
	assert.NoError(t, ValidateFeatures(nested(MaxFeaturesDepth)))
	err := ValidateFeatures(nested(MaxFeaturesDepth + 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nesting")
}

func TestValidateFeatures_SizeBoundary(t *testing.T) {
	// Pad a single string value so the serialized form lands exactly on
	// the cap, then one byte past it.
	pad := func(total int) json.RawMessage {
		overhead := len(`{"pad":""}`)
		return json.RawMessage(`{"pad":"` + strings.Repeat("x", total-overhead) + `"}`)
	}
	exact := pad(MaxFeaturesBytes)
	require.Len(t, exact, MaxFeaturesBytes)
	assert.NoError(t, ValidateFeatures(exact))

	over := pad(MaxFeaturesBytes + 1)
	require.Len(t, over, MaxFeaturesBytes+1)
	assert.Error(t, ValidateFeatures(over))
}

func TestValidateFeatures_ReservedKeys(t *testing.T) {
	for _, k := range []string{"__proto__", "constructor", "prototype"} {
		raw := json.RawMessage(`{"a":{"` + k + `":1}}`)
		err := ValidateFeatures(raw)
		require.Error(t, err, k)
		assert.Contains(t, err.Error(), "reserved key")
	}
	// Same names are fine as values, only keys are reserved.
	assert.NoError(t, ValidateFeatures(json.RawMessage(`{"a":"__proto__"}`)))
}

func TestValidateFeatures_Shape(t *testing.T) {
	assert.NoError(t, ValidateFeatures(nil))
	assert.Error(t, ValidateFeatures(json.RawMessage(`[1,2]`)), "arrays rejected at top level")
	assert.Error(t, ValidateFeatures(json.RawMessage(`"str"`)))
	assert.Error(t, ValidateFeatures(json.RawMessage(`{broken`)))
}

func TestValidateLink(t *testing.T) {
	assert.NoError(t, ValidateLink(""))
	assert.NoError(t, ValidateLink("https://example.com/report/7"))
	assert.NoError(t, ValidateLink("s3://artifacts/q/123"))
	assert.Error(t, ValidateLink("javascript:alert(1)"))
	assert.Error(t, ValidateLink("file:///etc/passwd"))
}

func TestValidateProvenanceHash(t *testing.T) {
	assert.NoError(t, ValidateProvenanceHash("0123456789abcdef"))
	for _, h := range []string{"0123456789abcde", "0123456789abcdef0", "0123456789ABCDEF", "0123456789abcdeg", ""} {
		assert.Error(t, ValidateProvenanceHash(h), h)
	}
}

func TestEventValidate(t *testing.T) {
	base := func() Event {
		return Event{
			EventID:  "9f2c9c1e-52cd-4a6b-93a8-6f8f4e1f9a01",
			Activity: "assistant.session_started",
			Customer: "cust_42",
			TS:       time.Now().UTC(),
			Features: json.RawMessage(`{"model":"m-opus","tokens":150}`),
		}
	}

	ok := base()
	assert.NoError(t, ok.Validate())

	noID := base()
	noID.EventID = ""
	assert.Error(t, noID.Validate())

	noTS := base()
	noTS.TS = time.Time{}
	assert.Error(t, noTS.Validate())

	longCustomer := base()
	longCustomer.Customer = strings.Repeat("c", MaxCustomerLen+1)
	assert.Error(t, longCustomer.Validate())

	injection := base()
	injection.Activity = "'; DROP TABLE events; --"
	assert.Error(t, injection.Validate())
}

func TestInsightAtomValidate(t *testing.T) {
	base := func() InsightAtom {
		return InsightAtom{
			AtomID:         "a1",
			Customer:       "cust_42",
			Subject:        "usage",
			Metric:         "weekly_sessions",
			Value:          json.RawMessage(`12`),
			ProvenanceHash: "0123456789abcdef",
		}
	}
	valid := base()
	assert.NoError(t, valid.Validate())

	short := base()
	short.ProvenanceHash = "0123456789abcde"
	assert.Error(t, short.Validate())

	noMetric := base()
	noMetric.Metric = ""
	assert.Error(t, noMetric.Validate())

	badValue := base()
	badValue.Value = json.RawMessage(`{oops`)
	assert.Error(t, badValue.Validate())
}
