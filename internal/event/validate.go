package event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/hindsight-io/hindsight/internal/errkind"
)

const (
	// MaxCustomerLen bounds the opaque customer identifier.
	MaxCustomerLen = 256
	// MaxFeaturesBytes bounds the serialized features object. Exactly
	// 64 KiB is accepted; one byte more is rejected.
	MaxFeaturesBytes = 64 * 1024
	// MaxFeaturesDepth bounds nesting of the features object. Depth 5 is
	// accepted; depth 6 is rejected.
	MaxFeaturesDepth = 5
	// ProvenanceHashLen is the exact hex length of a provenance hash.
	// Shorter legacy 8-char hashes are rejected.
	ProvenanceHashLen = 16
)

// activityRe matches the closed <product>.<verb_phrase> namespace:
// lowercase, dot-separated, dot-and-underscore only.
var activityRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)+$`)

var provenanceRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

// reservedFeatureKeys are prototype-mutating names rejected anywhere in
// the features object.
var reservedFeatureKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// linkSchemes is the URL scheme allowlist for the optional link field.
var linkSchemes = map[string]struct{}{"http": {}, "https": {}, "s3": {}}

// NormalizeActivity prepends the canonical namespace when the caller
// supplied a bare verb phrase, and lowercases the result.
func NormalizeActivity(activity string) string {
	a := strings.ToLower(strings.TrimSpace(activity))
	if a == "" {
		return a
	}
	if !strings.Contains(a, ".") {
		return Namespace + "." + a
	}
	return a
}

// ValidateActivity checks a normalized activity name against the
// namespace grammar.
func ValidateActivity(activity string) error {
	if !activityRe.MatchString(activity) {
		return errkind.New(errkind.InvalidArgument, "activity %q does not match namespace grammar", activity)
	}
	return nil
}

// ValidateCustomer checks the customer identifier bounds.
func ValidateCustomer(customer string) error {
	if customer == "" {
		return errkind.New(errkind.InvalidArgument, "customer must not be empty")
	}
	if len(customer) > MaxCustomerLen {
		return errkind.New(errkind.InvalidArgument, "customer exceeds %d bytes", MaxCustomerLen)
	}
	return nil
}

// ValidateFeatures enforces the serialized size cap, the nesting depth
// cap, and the reserved-key denylist on a raw features object.
// A nil/empty features value is valid.
func ValidateFeatures(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > MaxFeaturesBytes {
		return errkind.New(errkind.InvalidArgument, "features serialized size %d exceeds %d bytes", len(raw), MaxFeaturesBytes)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return errkind.New(errkind.InvalidArgument, "features is not valid JSON: %v", err)
	}
	if _, ok := v.(map[string]any); !ok {
		return errkind.New(errkind.InvalidArgument, "features must be a JSON object")
	}
	if err := checkDepth(v, 1); err != nil {
		return err
	}
	return nil
}

// checkDepth walks the decoded value counting container nesting only;
// a scalar inside a depth-5 object does not count as depth 6.
func checkDepth(v any, depth int) error {
	switch t := v.(type) {
	case map[string]any:
		if depth > MaxFeaturesDepth {
			return errkind.New(errkind.InvalidArgument, "features nesting exceeds depth %d", MaxFeaturesDepth)
		}
		for k, child := range t {
			if _, bad := reservedFeatureKeys[k]; bad {
				return errkind.New(errkind.InvalidArgument, "features contains reserved key %q", k)
			}
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		if depth > MaxFeaturesDepth {
			return errkind.New(errkind.InvalidArgument, "features nesting exceeds depth %d", MaxFeaturesDepth)
		}
		for _, child := range t {
			if err := checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateLink checks the optional URL reference against the scheme
// allowlist. Empty is valid.
func ValidateLink(link string) error {
	if link == "" {
		return nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return errkind.New(errkind.InvalidArgument, "link is not a valid URL: %v", err)
	}
	if _, ok := linkSchemes[u.Scheme]; !ok {
		return errkind.New(errkind.InvalidArgument, "link scheme %q not allowed", u.Scheme)
	}
	return nil
}

// ValidateProvenanceHash requires exactly 16 lowercase hex characters.
func ValidateProvenanceHash(h string) error {
	if !provenanceRe.MatchString(h) {
		return errkind.New(errkind.InvalidArgument, "provenance_hash must be exactly %d hex characters, got %q", ProvenanceHashLen, h)
	}
	return nil
}

// Validate checks every invariant an Event must satisfy before it may be
// appended to the queue.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return errkind.New(errkind.InvalidArgument, "event_id must not be empty")
	}
	if err := ValidateActivity(e.Activity); err != nil {
		return err
	}
	if err := ValidateCustomer(e.Customer); err != nil {
		return err
	}
	if err := ValidateFeatures(e.Features); err != nil {
		return err
	}
	if err := ValidateLink(e.Link); err != nil {
		return err
	}
	if e.TS.IsZero() {
		return errkind.New(errkind.InvalidArgument, "ts must be set before enqueue")
	}
	return nil
}

// Validate checks the insight atom fields, including the exact-width
// provenance hash.
func (a *InsightAtom) Validate() error {
	if a.AtomID == "" {
		return errkind.New(errkind.InvalidArgument, "atom_id must not be empty")
	}
	if err := ValidateCustomer(a.Customer); err != nil {
		return err
	}
	if a.Subject == "" || a.Metric == "" {
		return errkind.New(errkind.InvalidArgument, "subject and metric must not be empty")
	}
	if len(a.Value) == 0 {
		return errkind.New(errkind.InvalidArgument, "value must not be empty")
	}
	if !json.Valid(a.Value) {
		return errkind.New(errkind.InvalidArgument, "value is not valid JSON")
	}
	return ValidateProvenanceHash(a.ProvenanceHash)
}

// String implements fmt.Stringer for log lines without dumping features.
func (e *Event) String() string {
	return fmt.Sprintf("event{id=%s activity=%s customer=%s}", e.EventID, e.Activity, e.Customer)
}
