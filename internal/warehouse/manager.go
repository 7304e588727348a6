package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hindsight-io/hindsight/internal/breaker"
	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/errkind"
	"github.com/hindsight-io/hindsight/internal/event"
	"github.com/hindsight-io/hindsight/internal/templates"
	"github.com/hindsight-io/hindsight/internal/vault"
)

// maxIdentityWalk bounds how many identities one request may try.
const maxIdentityWalk = 5

// Querier is the warehouse surface the rest of the system depends on.
// Everything goes through a registered template; there is no raw-SQL
// entry point.
type Querier interface {
	LogEvent(ctx context.Context, ev *event.Event) error
	LogInsight(ctx context.Context, atom *event.InsightAtom) error
	GetContext(ctx context.Context, customer string) (*event.ContextRecord, error)
	GetContextBulk(ctx context.Context, customers []string) ([]event.ContextRecord, error)
	UpdateContext(ctx context.Context, customer string, blob json.RawMessage) error
	GetActiveCustomers(ctx context.Context, windowMinutes, limit int) ([]string, error)
	CheckIngestID(ctx context.Context, eventID string) (bool, error)
	RecordIngestID(ctx context.Context, eventID string) error
	CheckHealth(ctx context.Context) (string, error)
	ExecuteTemplate(ctx context.Context, name string, params []any) (*QueryResult, error)
}

// QueryResult is a generic template result for the async query worker.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Manager selects an identity per call via vault + breaker, executes the
// bound template on that identity's pool, and feeds the outcome back
// into both. It satisfies Querier.
type Manager struct {
	cfg      *config.Config
	vault    *vault.Vault
	breaker  *breaker.Breaker
	registry *templates.Registry
	logger   *zap.Logger

	mu    sync.Mutex
	pools map[string]DB

	// openPool is swapped by tests.
	openPool func(ctx context.Context, cfg *config.Config, cred vault.Credential) (DB, error)
}

// NewManager wires the selection loop. Pools open lazily on first use
// per identity.
func NewManager(cfg *config.Config, v *vault.Vault, b *breaker.Breaker, reg *templates.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		vault:    v,
		breaker:  b,
		registry: reg,
		logger:   logger,
		pools:    make(map[string]DB),
		openPool: OpenPool,
	}
}

// Close releases every open pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pools {
		p.Close()
		delete(m.pools, id)
	}
}

// PoolStats reports which identities currently hold an open pool.
func (m *Manager) PoolStats() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.pools))
	for id := range m.pools {
		out[id] = true
	}
	return out
}

func (m *Manager) pool(ctx context.Context, cred vault.Credential) (DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[cred.Username]; ok {
		return p, nil
	}
	p, err := m.openPool(ctx, m.cfg, cred)
	if err != nil {
		return nil, err
	}
	m.pools[cred.Username] = p
	return p, nil
}

// selectIdentity walks the vault's candidates in selection order and
// returns the first identity whose breaker admits a call. Callers that
// need a fixed identity use runOn instead.
func (m *Manager) selectIdentity() (vault.Credential, error) {
	candidates := m.vault.Candidates()
	if len(candidates) == 0 {
		return vault.Credential{}, errkind.New(errkind.Unavailable, "no eligible warehouse identity")
	}
	walked := 0
	for _, c := range candidates {
		if walked >= maxIdentityWalk {
			break
		}
		walked++
		if m.breaker.CanExecute(c.Username) {
			return c, nil
		}
	}
	return vault.Credential{}, errkind.New(errkind.Unavailable, "all warehouse identities open-circuit")
}

// run binds params against the named template and executes fn on a
// selected identity's pool under the DB query deadline, recording the
// outcome to the breaker and vault.
func (m *Manager) run(ctx context.Context, name string, params []any, fn func(ctx context.Context, db DB, sql string, bound []any) error) error {
	tpl, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	bound, err := tpl.Bind(params)
	if err != nil {
		return err
	}

	cred, err := m.selectIdentity()
	if err != nil {
		return err
	}
	db, err := m.pool(ctx, cred)
	if err != nil {
		m.recordFailure(cred.Username, err)
		return errkind.Wrap(err, errkind.Unavailable, "open pool for %s", cred.Username)
	}

	qctx, cancel := context.WithTimeout(ctx, m.cfg.Perf.DBQuery)
	defer cancel()

	err = fn(qctx, db, tpl.SQL, bound)
	if err != nil {
		// A caller-side cancellation is not the identity's fault.
		if errors.Is(err, context.Canceled) {
			return errkind.Wrap(err, errkind.Timeout, "%s canceled", name)
		}
		m.recordFailure(cred.Username, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return errkind.Wrap(err, errkind.Timeout, "%s exceeded %s", name, m.cfg.Perf.DBQuery)
		}
		return errkind.Wrap(err, errkind.Unavailable, "%s failed on %s", name, cred.Username)
	}
	m.breaker.RecordSuccess(cred.Username)
	m.vault.RecordSuccess(cred.Username)
	return nil
}

func (m *Manager) recordFailure(identity string, err error) {
	m.breaker.RecordFailure(identity)
	m.vault.RecordFailure(identity, err)
}

// exec is run() for statements without a result set.
func (m *Manager) exec(ctx context.Context, name string, params []any) error {
	return m.run(ctx, name, params, func(ctx context.Context, db DB, sql string, bound []any) error {
		_, err := db.Exec(ctx, sql, bound...)
		return err
	})
}

// ── Querier implementation ───────────────────────────────────────────────

func (m *Manager) LogEvent(ctx context.Context, ev *event.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	var revenue any
	if ev.RevenueImpact != nil {
		revenue = *ev.RevenueImpact
	}
	var features any
	if len(ev.Features) > 0 {
		features = ev.Features
	}
	return m.exec(ctx, templates.LogEvent, []any{
		ev.EventID, ev.Activity, ev.Customer, ev.TS,
		ev.Link, revenue, features,
		ev.SourceSystem, ev.SourceVersion, ev.SessionID, ev.QueryTag,
	})
}

func (m *Manager) LogInsight(ctx context.Context, atom *event.InsightAtom) error {
	if err := atom.Validate(); err != nil {
		return err
	}
	var validUntil any
	if atom.ValidUntil != nil {
		validUntil = *atom.ValidUntil
	}
	return m.exec(ctx, templates.LogInsight, []any{
		atom.AtomID, atom.Customer, atom.Subject, atom.Metric,
		atom.Value, atom.ProvenanceHash, atom.TS, validUntil,
	})
}

func (m *Manager) GetContext(ctx context.Context, customer string) (*event.ContextRecord, error) {
	var rec *event.ContextRecord
	err := m.run(ctx, templates.GetContext, []any{customer}, func(ctx context.Context, db DB, sql string, bound []any) error {
		rows, err := db.Query(ctx, sql, bound...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if rows.Next() {
			var r event.ContextRecord
			var blob []byte
			if err := rows.Scan(&r.Customer, &blob, &r.UpdatedAt); err != nil {
				return err
			}
			r.ContextBlob = json.RawMessage(blob)
			rec = &r
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errkind.New(errkind.NotFound, "no context for customer %s", customer)
	}
	return rec, nil
}

func (m *Manager) GetContextBulk(ctx context.Context, customers []string) ([]event.ContextRecord, error) {
	var out []event.ContextRecord
	err := m.run(ctx, templates.GetContextBulk, []any{customers}, func(ctx context.Context, db DB, sql string, bound []any) error {
		rows, err := db.Query(ctx, sql, bound...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r event.ContextRecord
			var blob []byte
			if err := rows.Scan(&r.Customer, &blob, &r.UpdatedAt); err != nil {
				return err
			}
			r.ContextBlob = json.RawMessage(blob)
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) UpdateContext(ctx context.Context, customer string, blob json.RawMessage) error {
	return m.exec(ctx, templates.UpdateContext, []any{customer, blob})
}

func (m *Manager) GetActiveCustomers(ctx context.Context, windowMinutes, limit int) ([]string, error) {
	var out []string
	err := m.run(ctx, templates.GetActiveCustomers, []any{windowMinutes, limit}, func(ctx context.Context, db DB, sql string, bound []any) error {
		rows, err := db.Query(ctx, sql, bound...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) CheckIngestID(ctx context.Context, eventID string) (bool, error) {
	found := false
	err := m.run(ctx, templates.CheckIngestID, []any{eventID}, func(ctx context.Context, db DB, sql string, bound []any) error {
		rows, err := db.Query(ctx, sql, bound...)
		if err != nil {
			return err
		}
		defer rows.Close()
		found = rows.Next()
		return rows.Err()
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (m *Manager) RecordIngestID(ctx context.Context, eventID string) error {
	return m.exec(ctx, templates.RecordIngestID, []any{eventID})
}

// CheckHealth runs the probe template and reports which identity served
// it, so failover is observable.
func (m *Manager) CheckHealth(ctx context.Context) (string, error) {
	cred, err := m.selectIdentity()
	if err != nil {
		return "", err
	}
	served := cred.Username
	err = m.runOn(ctx, cred, templates.CheckHealth, nil)
	if err != nil {
		return served, err
	}
	return served, nil
}

// ProbeIdentity health-checks one specific identity, for the monitor.
func (m *Manager) ProbeIdentity(ctx context.Context, username string) error {
	cred, ok := m.vault.Lookup(username)
	if !ok {
		return errkind.New(errkind.NotFound, "identity %q not in vault", username)
	}
	return m.runOn(ctx, cred, templates.CheckHealth, nil)
}

// runOn executes a template on a fixed identity, bypassing selection but
// still recording outcomes.
func (m *Manager) runOn(ctx context.Context, cred vault.Credential, name string, params []any) error {
	tpl, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	bound, err := tpl.Bind(params)
	if err != nil {
		return err
	}
	db, err := m.pool(ctx, cred)
	if err != nil {
		m.recordFailure(cred.Username, err)
		return errkind.Wrap(err, errkind.Unavailable, "open pool for %s", cred.Username)
	}
	qctx, cancel := context.WithTimeout(ctx, m.cfg.Perf.DBQuery)
	defer cancel()
	rows, err := db.Query(qctx, tpl.SQL, bound...)
	if err != nil {
		m.recordFailure(cred.Username, err)
		return errkind.Wrap(err, errkind.Unavailable, "%s failed on %s", name, cred.Username)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		m.recordFailure(cred.Username, err)
		return errkind.Wrap(err, errkind.Unavailable, "%s failed on %s", name, cred.Username)
	}
	m.breaker.RecordSuccess(cred.Username)
	m.vault.RecordSuccess(cred.Username)
	return nil
}

// ExecuteTemplate runs any registered template and returns its rows
// generically. This is the async query worker's entry point; parameters
// still pass through the template's validator.
func (m *Manager) ExecuteTemplate(ctx context.Context, name string, params []any) (*QueryResult, error) {
	res := &QueryResult{}
	err := m.run(ctx, name, params, func(ctx context.Context, db DB, sql string, bound []any) error {
		rows, err := db.Query(ctx, sql, bound...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for _, fd := range rows.FieldDescriptions() {
			res.Columns = append(res.Columns, string(fd.Name))
		}
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return err
			}
			res.Rows = append(res.Rows, vals)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// WaitHealthy blocks until some identity answers the probe or the
// deadline passes; used at startup so the server does not come up dark.
func (m *Manager) WaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		if _, err := m.CheckHealth(ctx); err == nil {
			return nil
		} else {
			last = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errkind.Wrap(last, errkind.Unavailable, "warehouse not healthy after %s", timeout)
}

var _ Querier = (*Manager)(nil)
