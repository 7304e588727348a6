// Package opsbus wraps the NATS connection used for operational
// eventing (uploader segment completions, warehouse health alerts) and
// the JetStream ObjectStore bucket holding spilled query artifacts.
//
// Every publisher degrades silently when the bus is not configured: ops
// events are advisory and must never block or fail the data path.
package opsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects carried on the bus. The OPS_EVENTS stream is configured with
// the subject filter "OPS_EVENTS.>"; any other prefix would be silently
// dropped by the stream.
const (
	SubjectSegmentDone     = "OPS_EVENTS.uploader.segment"
	SubjectWarehouseHealth = "OPS_EVENTS.warehouse.health"
)

// ArtifactBucket is the ObjectStore bucket for spilled query results.
const ArtifactBucket = "query-artifacts"

// Bus wraps a NATS connection and its JetStream context.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Connect dials NATS and initialises JetStream. An empty URL returns a
// nil Bus, which every method treats as "bus disabled".
func Connect(url string, logger *zap.Logger) (*Bus, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}
	logger.Info("ops bus connected", zap.String("url", url))
	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// Publish marshals the payload and publishes it to the subject via
// JetStream. Failures are logged, never returned: ops events are
// fire-and-forget.
func (b *Bus) Publish(ctx context.Context, subject string, payload any) {
	if b == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("ops event marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		b.logger.Warn("ops event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// PutArtifact stores a spilled query result in the ObjectStore bucket
// and returns its size. The bucket is created on first use.
func (b *Bus) PutArtifact(artifactID string, data []byte) (int64, error) {
	if b == nil {
		return 0, fmt.Errorf("artifact store unavailable: ops bus not configured")
	}
	os, err := b.js.ObjectStore(ArtifactBucket)
	if err != nil {
		os, err = b.js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket: ArtifactBucket,
			TTL:    7 * 24 * time.Hour,
		})
		if err != nil {
			return 0, fmt.Errorf("open artifact bucket: %w", err)
		}
	}
	if _, err := os.PutBytes(artifactID, data); err != nil {
		return 0, fmt.Errorf("store artifact %s: %w", artifactID, err)
	}
	return int64(len(data)), nil
}

// Close drains the connection. Drain flushes pending publishes before
// closing; fall back to Close when Drain itself errors.
func (b *Bus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
