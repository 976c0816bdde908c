package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

const postgresTable = "consumed_proofs"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres keeps consumed nonces in a table keyed by nonce. The primary key
// makes the insert the atomic check.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn, pings it and creates the table if needed.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS consumed_proofs (
		nonce VARCHAR(66) PRIMARY KEY,
		claim_id VARCHAR(36) NOT NULL,
		payer VARCHAR(42) NOT NULL,
		network VARCHAR(64) NOT NULL,
		resource VARCHAR(512) NOT NULL,
		tx_hash VARCHAR(66) NOT NULL DEFAULT '',
		consumed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_consumed_proofs_payer ON consumed_proofs(payer);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *Postgres) TryConsume(ctx context.Context, rec Record) (Outcome, error) {
	query, args, err := psql.Insert(postgresTable).
		Columns("nonce", "claim_id", "payer", "network", "resource", "tx_hash", "consumed_at").
		Values(rec.Nonce, rec.ClaimID, rec.Payer, rec.Network, rec.Resource, rec.Transaction, rec.ConsumedAt).
		Suffix("ON CONFLICT (nonce) DO NOTHING").
		ToSql()
	if err != nil {
		return AlreadyConsumed, err
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return AlreadyConsumed, fmt.Errorf("insert consumed proof: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AlreadyConsumed, err
	}
	if n == 1 {
		return Consumed, nil
	}
	return AlreadyConsumed, nil
}

func (p *Postgres) Lookup(ctx context.Context, nonce string) (Record, error) {
	query, args, err := psql.Select("nonce", "claim_id", "payer", "network", "resource", "tx_hash", "consumed_at").
		From(postgresTable).
		Where(sq.Eq{"nonce": nonce}).
		ToSql()
	if err != nil {
		return Record{}, err
	}

	var rec Record
	err = p.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.Nonce, &rec.ClaimID, &rec.Payer, &rec.Network, &rec.Resource, &rec.Transaction, &rec.ConsumedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("select consumed proof: %w", err)
	}
	return rec, nil
}

// Prune deletes records older than cutoff and returns how many were removed.
func (p *Postgres) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psql.Delete(postgresTable).Where(sq.Lt{"consumed_at": cutoff}).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
