// Package event defines the wire/data model of the activity stream: the
// Event flowing through the append queue, the cached ContextRecord, and
// the InsightAtom memory triple.
package event

import (
	"encoding/json"
	"time"
)

// Namespace is the canonical activity namespace prefix. Activities logged
// without a namespace get it prepended by the tool server.
const Namespace = "assistant"

// Activities the system emits about itself.
const (
	ActivitySQLExecuted     = Namespace + ".sql_executed"
	ActivityInsightRecorded = Namespace + ".insight_recorded"
)

// Event is the unit flowing through the queue into the warehouse.
// EventID is the idempotency key; it is unique over all time.
type Event struct {
	EventID  string `json:"event_id"`
	Activity string `json:"activity"`
	Customer string `json:"customer"`
	// TS is server-supplied when the caller omits it.
	TS            time.Time       `json:"ts"`
	Link          string          `json:"link,omitempty"`
	RevenueImpact *float64        `json:"revenue_impact,omitempty"`
	Features      json.RawMessage `json:"features,omitempty"`

	// Extension fields. All extension keys carry a leading underscore at
	// the storage boundary.
	SourceSystem  string `json:"_source_system,omitempty"`
	SourceVersion string `json:"_source_version,omitempty"`
	SessionID     string `json:"_session_id,omitempty"`
	QueryTag      string `json:"_query_tag,omitempty"`
}

// ContextRecord is the cacheable per-customer aggregate. The core never
// mutates it; derivation tasks outside the core author the blob.
type ContextRecord struct {
	Customer    string          `json:"customer"`
	ContextBlob json.RawMessage `json:"context_blob"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// InsightAtom is a structured {subject, metric, value} memory fact.
type InsightAtom struct {
	AtomID         string          `json:"atom_id"`
	Customer       string          `json:"customer"`
	Subject        string          `json:"subject"`
	Metric         string          `json:"metric"`
	Value          json.RawMessage `json:"value"`
	ProvenanceHash string          `json:"provenance_hash"`
	TS             time.Time       `json:"ts"`
	ValidUntil     *time.Time      `json:"valid_until,omitempty"`
}

// ArtifactRef points at a large query result held in external object
// storage. Only the pointer and a bounded sample live in the warehouse.
type ArtifactRef struct {
	ArtifactID string          `json:"artifact_id"`
	Bucket     string          `json:"bucket"`
	SizeBytes  int64           `json:"size_bytes"`
	Sample     json.RawMessage `json:"sample,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
