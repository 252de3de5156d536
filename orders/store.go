// Package orders is the order store: user existence checks, product price
// lookups, and the idempotent order insert.
//
// Expected schema:
//
//	users    (id bigint primary key, username text not null, ...)
//	products (id bigint primary key, name text, sku text, unit_price numeric not null, ...)
//	orders   (id bigserial primary key,
//	          user_id bigint not null references users(id),
//	          product_id bigint not null references products(id),
//	          quantity integer not null check (quantity >= 1),
//	          total_price numeric not null check (total_price > 0),
//	          status text not null,
//	          dedup_key text,
//	          created_at timestamptz not null,
//	          updated_at timestamptz not null)
//	create unique index orders_dedup_key_idx on orders (dedup_key)
//	    where dedup_key is not null;
//
// The foreign keys are defense in depth: the store verifies references
// before inserting, and maps constraint violations that race past the check
// back onto permanent errors.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/emporia/ordercore/dbpool"
	"github.com/emporia/ordercore/errs"
	"github.com/emporia/ordercore/model"
	"github.com/emporia/ordercore/obs"
)

const (
	stmtSelectUser = `SELECT id, username FROM users WHERE id = $1`
	// unit_price is cast to text so the numeric survives the wire exactly.
	stmtSelectPrice = `SELECT unit_price::text FROM products WHERE id = $1`
	stmtInsertOrder = `
		INSERT INTO orders (user_id, product_id, quantity, total_price, status, dedup_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), now(), now())
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store runs order persistence through a database Runner (in production,
// the breaker-wrapped pool).
type Store struct {
	db      dbpool.Runner
	metrics *obs.Metrics
	log     log.FieldLogger
}

// NewStore returns a Store over db.
func NewStore(db dbpool.Runner, metrics *obs.Metrics, logger log.FieldLogger) *Store {
	return &Store{db: db, metrics: metrics, log: logger}
}

// VerifyUser confirms the referenced user exists, returning the record.
// A missing user fails with errs.ErrNotFound.
func (s *Store) VerifyUser(ctx context.Context, userID uint64) (model.User, error) {
	defer s.observe(ctx, "verify_user", time.Now())

	var u model.User
	if err := s.db.QueryOne(ctx, []any{&u.ID, &u.Username}, stmtSelectUser, userID); err != nil {
		return model.User{}, err
	}
	return u, nil
}

// ProductPrice returns the product's unit price. A missing product fails
// with errs.ErrNotFound.
func (s *Store) ProductPrice(ctx context.Context, productID uint64) (decimal.Decimal, error) {
	defer s.observe(ctx, "product_price", time.Now())

	var raw string
	if err := s.db.QueryOne(ctx, []any{&raw}, stmtSelectPrice, productID); err != nil {
		return decimal.Decimal{}, err
	}
	var price, err = decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing unit price %q: %w", raw, err)
	}
	return price, nil
}

// Insert writes the order row inside a transaction. It returns false with a
// nil error when the row's dedup key already exists: the message was already
// processed and must simply be acknowledged.
func (s *Store) Insert(ctx context.Context, o *model.Order) (inserted bool, err error) {
	defer s.observe(ctx, "insert_order", time.Now())

	err = s.db.Transact(ctx, func(tx pgx.Tx) error {
		var tag, err = tx.Exec(ctx, stmtInsertOrder,
			o.UserID, o.ProductID, o.Quantity, o.TotalPrice.String(), string(o.Status), o.DedupKey)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, s.mapInsertErr(err)
	}

	if !inserted {
		s.log.WithFields(log.Fields{
			"dedupKey": o.DedupKey,
			"user":     o.UserID,
		}).Info("order already recorded; treating as processed")
	}
	return inserted, nil
}

// mapInsertErr turns constraint violations into the pipeline's error kinds.
func (s *Store) mapInsertErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if strings.Contains(pgErr.ConstraintName, "dedup") {
			// Reachable only when the dedup index isn't the partial one the
			// insert targets; still means "already processed".
			return nil
		}
	case pgForeignKeyViolation:
		if strings.Contains(pgErr.ConstraintName, "user") {
			return errs.Permanent(model.ReasonUserNotFound,
				fmt.Errorf("user vanished before insert: %w", err))
		}
		return errs.Permanent(model.ReasonProductNotFound,
			fmt.Errorf("product vanished before insert: %w", err))
	}
	return err
}

func (s *Store) observe(ctx context.Context, op string, start time.Time) {
	s.metrics.DBCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", op)))
}
