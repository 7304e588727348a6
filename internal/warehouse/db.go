// Package warehouse owns everything between the templates registry and
// the wire: per-identity pgx pools, identity selection through the vault
// and circuit breaker, typed query helpers, and the health monitor.
package warehouse

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hindsight-io/hindsight/internal/config"
	"github.com/hindsight-io/hindsight/internal/vault"
)

// DB is the slice of pgxpool.Pool the manager uses. Tests substitute a
// fake; production always wires *pgxpool.Pool.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// OpenPool builds the pgx pool for one identity: bounded by the
// identity's connection budget, instrumented with otelpgx, tagged with
// the query-tag prefix as application_name, and running pgxpool's
// 30-second liveness probe so broken connections are evicted and lazily
// replaced on the next checkout.
func OpenPool(ctx context.Context, cfg *config.Config, cred vault.Credential) (DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN(cred.Username, cred.Password))
	if err != nil {
		return nil, fmt.Errorf("parse warehouse DSN for %s: %w", cred.Username, err)
	}
	maxConns := cred.MaxConnections
	if maxConns <= 0 {
		maxConns = 5
	}
	pc.MaxConns = int32(maxConns)
	pc.ConnConfig.ConnectTimeout = cfg.Perf.Connection
	pc.ConnConfig.Tracer = otelpgx.NewTracer()
	pc.ConnConfig.RuntimeParams["application_name"] = cfg.QueryTagName + "_" + cred.Username
	pc.HealthCheckPeriod = healthProbeInterval

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open warehouse pool for %s: %w", cred.Username, err)
	}
	return pool, nil
}
