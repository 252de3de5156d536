// Package dbpool wraps a pgx connection pool behind the small Runner surface
// the rest of the core uses. Connection acquisition is a distinct step so
// acquire failures surface as errs.ErrUnavailable, and the whole pool can be
// rebuilt in place when credentials rotate.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/emporia/ordercore/errs"
	"github.com/emporia/ordercore/model"
)

var rebuildCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "order_core_db_pool_rebuilds_total",
	Help: "counter of in-place pool rebuilds triggered by credential rotation",
})

// Runner is the database surface exposed to the pipeline. The circuit
// breaker implements the same interface by composition; the pool does not
// know the breaker exists.
type Runner interface {
	// Execute runs a statement and reports rows affected.
	Execute(ctx context.Context, stmt string, args ...any) (int64, error)
	// QueryOne runs a single-row query, scanning into dest. A query matching
	// no rows fails with errs.ErrNotFound.
	QueryOne(ctx context.Context, dest []any, stmt string, args ...any) error
	// Transact runs fn inside a transaction on a single connection,
	// committing on nil and rolling back on error.
	Transact(ctx context.Context, fn func(pgx.Tx) error) error
}

// Config sizes the pool.
type Config struct {
	MinConns       int32
	MaxConns       int32
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

// Stats is a point-in-time pool snapshot for the observable gauges.
type Stats struct {
	Active int64
	Idle   int64
	Queued int64
}

// conn is one checked-out connection.
type conn interface {
	Exec(ctx context.Context, stmt string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, stmt string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// driver is the underlying pool implementation; pgxDriver adapts
// *pgxpool.Pool, and tests substitute fakes.
type driver interface {
	Acquire(ctx context.Context) (conn, error)
	Close()
	Stat() (active, idle int64)
}

// dialer opens a driver for a credential.
type dialer func(ctx context.Context, cred model.Credential, cfg Config) (driver, error)

type poolRef struct {
	d           driver
	fingerprint string
}

// Pool is a rebuildable connection pool. The current driver is an atomic
// pointer; Rebuild swaps it and drain-closes the old one, so no in-flight
// request is aborted by rotation.
type Pool struct {
	cfg  Config
	dial dialer
	log  log.FieldLogger

	cur    atomic.Pointer[poolRef]
	queued atomic.Int64
}

// New connects to the database described by cred and returns the pool.
func New(ctx context.Context, cred model.Credential, cfg Config, logger log.FieldLogger) (*Pool, error) {
	return newPool(ctx, cred, cfg, logger, pgxDial)
}

func newPool(ctx context.Context, cred model.Credential, cfg Config, logger log.FieldLogger, dial dialer) (*Pool, error) {
	var d, err = dial(ctx, cred, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	var p = &Pool{cfg: cfg, dial: dial, log: logger}
	p.cur.Store(&poolRef{d: d, fingerprint: cred.Fingerprint()})
	return p, nil
}

// Rebuild atomically swaps the pool onto the new credential. New acquires
// use the new connection factory immediately; connections already checked
// out continue until returned, then the old pool closes.
func (p *Pool) Rebuild(ctx context.Context, cred model.Credential) error {
	var d, err = p.dial(ctx, cred, p.cfg)
	if err != nil {
		return fmt.Errorf("rebuilding database pool: %w", err)
	}
	var old = p.cur.Swap(&poolRef{d: d, fingerprint: cred.Fingerprint()})
	go old.d.Close() // drain-close: blocks until checked-out connections are returned

	rebuildCounter.Inc()
	p.log.WithFields(log.Fields{
		"fingerprint": cred.Fingerprint(),
	}).Info("database pool rebuilt for rotated credential")
	return nil
}

// Fingerprint identifies the credential backing the current pool.
func (p *Pool) Fingerprint() string { return p.cur.Load().fingerprint }

// Stats snapshots the current pool for the observable gauges.
func (p *Pool) Stats() Stats {
	var active, idle = p.cur.Load().d.Stat()
	return Stats{Active: active, Idle: idle, Queued: p.queued.Load()}
}

// Close closes the current pool, blocking until connections are returned.
func (p *Pool) Close() { p.cur.Load().d.Close() }

// acquire checks out a connection within the configured acquire timeout.
// Failure here is distinct from query failure: it wraps errs.ErrUnavailable.
func (p *Pool) acquire(ctx context.Context) (conn, error) {
	var actx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	p.queued.Add(1)
	defer p.queued.Add(-1)

	var c, err = p.cur.Load().d.Acquire(actx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	return c, nil
}

// Execute implements Runner.
func (p *Pool) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	var c, err = p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Release()

	tag, err := c.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// QueryOne implements Runner.
func (p *Pool) QueryOne(ctx context.Context, dest []any, stmt string, args ...any) error {
	var c, err = p.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()

	if err := c.QueryRow(ctx, stmt, args...).Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no matching row", errs.ErrNotFound)
		}
		return classify(err)
	}
	return nil
}

// Transact implements Runner.
func (p *Pool) Transact(ctx context.Context, fn func(pgx.Tx) error) error {
	var c, err = p.acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()

	tx, err := c.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// classify separates business errors (which pass through untouched) from
// connection-class failures, which are marked so the breaker counts them.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err // the server answered; this is a statement-level error
	}
	return errs.MarkTransport(err)
}

// pgxDriver adapts *pgxpool.Pool to the driver interface.
type pgxDriver struct{ pool *pgxpool.Pool }

func pgxDial(ctx context.Context, cred model.Credential, cfg Config) (driver, error) {
	var pc, err = pgxpool.ParseConfig(cred.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConns = cfg.MaxConns
	pc.MaxConnIdleTime = cfg.IdleTimeout

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return &pgxDriver{pool: pool}, nil
}

func (d *pgxDriver) Acquire(ctx context.Context) (conn, error) {
	var c, err = d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: c}, nil
}

func (d *pgxDriver) Close() { d.pool.Close() }

func (d *pgxDriver) Stat() (active, idle int64) {
	var s = d.pool.Stat()
	return int64(s.AcquiredConns()), int64(s.IdleConns())
}

type pgxConn struct{ conn *pgxpool.Conn }

func (c *pgxConn) Exec(ctx context.Context, stmt string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, stmt, args...)
}

func (c *pgxConn) QueryRow(ctx context.Context, stmt string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, stmt, args...)
}

func (c *pgxConn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.conn.Begin(ctx)
}

func (c *pgxConn) Release() { c.conn.Release() }
