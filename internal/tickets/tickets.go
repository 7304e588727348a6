// Package tickets hands out opaque handles for asynchronously executing
// warehouse queries. Tickets live in memory for the process lifetime,
// bounded by a TTL sweep; there is no cross-ticket shared state.
package tickets

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/errkind"
	"github.com/hindsight-io/hindsight/internal/event"
	"github.com/hindsight-io/hindsight/internal/opsbus"
	"github.com/hindsight-io/hindsight/internal/warehouse"
)

// Status is the ticket lifecycle: pending -> running -> done | error.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

const (
	defaultTTL    = 5 * time.Minute
	sweepInterval = 30 * time.Second

	// sampleRows and sampleBytes bound the inline sample kept alongside
	// a spilled artifact.
	sampleRows  = 10
	sampleBytes = 128 * 1024
)

// Ticket is the caller-visible record for one submitted query.
type Ticket struct {
	TicketID     string                 `json:"ticket_id"`
	TemplateName string                 `json:"template_name"`
	ByteCap      int64                  `json:"byte_cap,omitempty"`
	QueryTag     string                 `json:"query_tag,omitempty"`
	Status       Status                 `json:"status"`
	CreatedAt    time.Time              `json:"created_at"`
	Result       *warehouse.QueryResult `json:"result,omitempty"`
	Artifact     *event.ArtifactRef     `json:"artifact,omitempty"`
	Error        string                 `json:"error,omitempty"`

	params []any
}

// Manager owns the ticket map and the async execution workers.
type Manager struct {
	wh     warehouse.Querier
	bus    *opsbus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	tickets map[string]*Ticket
	ttl     time.Duration
	now     func() time.Time

	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager wires the manager and starts the TTL sweep.
func NewManager(wh warehouse.Querier, bus *opsbus.Bus, logger *zap.Logger) *Manager {
	m := &Manager{
		wh:      wh,
		bus:     bus,
		logger:  logger,
		tickets: make(map[string]*Ticket),
		ttl:     defaultTTL,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Submit registers a ticket and launches its worker. The template and
// params were already validated by the caller; the worker revalidates
// through Bind anyway when it executes.
func (m *Manager) Submit(templateName string, params []any, byteCap int64, queryTag string) *Ticket {
	t := &Ticket{
		TicketID:     uuid.NewString(),
		TemplateName: templateName,
		ByteCap:      byteCap,
		QueryTag:     queryTag,
		Status:       StatusPending,
		CreatedAt:    m.now().UTC(),
		params:       params,
	}
	m.mu.Lock()
	m.tickets[t.TicketID] = t
	snapshot := *t
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(t.TicketID)
	return &snapshot
}

// Get returns a snapshot of the ticket, or NotFound once it expired.
func (m *Manager) Get(ticketID string) (*Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "ticket %s not found or expired", ticketID)
	}
	snapshot := *t
	return &snapshot, nil
}

// Count reports live tickets for the metrics endpoint.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

func (m *Manager) execute(ticketID string) {
	defer m.wg.Done()

	m.mu.Lock()
	t, ok := m.tickets[ticketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.Status = StatusRunning
	name, params, byteCap := t.TemplateName, t.params, t.ByteCap
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := m.wh.ExecuteTemplate(ctx, name, params)

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok = m.tickets[ticketID]
	if !ok {
		return
	}
	if err != nil {
		t.Status = StatusError
		t.Error = err.Error()
		m.logger.Warn("ticket failed",
			zap.String("ticket_id", ticketID),
			zap.String("template", name),
			zap.Error(err),
		)
		return
	}
	m.finish(t, res, byteCap)
}

// finish attaches the result, spilling to object storage when it blows
// the byte cap. The inline form then carries only an artifact pointer
// and a bounded sample.
func (m *Manager) finish(t *Ticket, res *warehouse.QueryResult, byteCap int64) {
	payload, err := json.Marshal(res)
	if err != nil {
		t.Status = StatusError
		t.Error = err.Error()
		return
	}
	if byteCap <= 0 || int64(len(payload)) <= byteCap {
		t.Status = StatusDone
		t.Result = res
		return
	}

	artifactID := "qr_" + t.TicketID
	size, err := m.bus.PutArtifact(artifactID, payload)
	if err != nil {
		t.Status = StatusError
		t.Error = "result exceeds byte cap and could not be spilled: " + err.Error()
		m.logger.Error("artifact spill failed",
			zap.String("ticket_id", t.TicketID),
			zap.Int("result_bytes", len(payload)),
			zap.Error(err),
		)
		return
	}
	t.Status = StatusDone
	t.Artifact = &event.ArtifactRef{
		ArtifactID: artifactID,
		Bucket:     opsbus.ArtifactBucket,
		SizeBytes:  size,
		Sample:     sampleOf(res),
		CreatedAt:  m.now().UTC(),
	}
	m.logger.Info("result spilled to artifact store",
		zap.String("ticket_id", t.TicketID),
		zap.String("artifact_id", artifactID),
		zap.Int64("size_bytes", size),
	)
}

// sampleOf serializes at most sampleRows rows and trims whole rows until
// the sample fits sampleBytes.
func sampleOf(res *warehouse.QueryResult) json.RawMessage {
	rows := res.Rows
	if len(rows) > sampleRows {
		rows = rows[:sampleRows]
	}
	for len(rows) > 0 {
		sample, err := json.Marshal(&warehouse.QueryResult{Columns: res.Columns, Rows: rows})
		if err != nil {
			return nil
		}
		if len(sample) <= sampleBytes {
			return sample
		}
		rows = rows[:len(rows)-1]
	}
	sample, err := json.Marshal(&warehouse.QueryResult{Columns: res.Columns})
	if err != nil {
		return nil
	}
	return sample
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tickets {
		if t.CreatedAt.Before(cutoff) {
			delete(m.tickets, id)
		}
	}
}

// Close stops the sweep and waits for in-flight workers.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
	<-m.done
}
