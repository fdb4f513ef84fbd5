package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sputn1ck/tanglewallet/tangle"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrBundleNotFound is returned when the journal holds no bundle for a tail.
var ErrBundleNotFound = errors.New("bundle not found in journal")

// Config holds configuration for the bundle journal.
type Config struct {
	// DBPath is the path of the database file.
	DBPath string

	// UseMemory keeps the journal in memory.
	UseMemory bool

	// SkipMigrations skips schema migrations.
	SkipMigrations bool

	// Clock stamps journal entries.
	Clock clock.Clock
}

// DefaultConfig returns a default journal configuration.
func DefaultConfig(dbPath string) *Config {
	return &Config{
		DBPath: dbPath,
		Clock:  clock.NewDefaultClock(),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" && !c.UseMemory {
		return fmt.Errorf("database path required")
	}
	if c.Clock == nil {
		return fmt.Errorf("clock is required")
	}

	return nil
}

// BundleRecord summarizes a journaled bundle.
type BundleRecord struct {
	Tail         tangle.Hash `json:"tail"`
	Bundle       tangle.Hash `json:"bundle"`
	Transactions int         `json:"transactions"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Journal records the attached bundles this wallet submitted, so they can
// be rebroadcast without asking a node for them. It never stores seeds.
type Journal struct {
	cfg *Config
	db  *sql.DB
}

// Open opens the journal and applies pending migrations.
func Open(cfg *Config) (*Journal, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dsn := cfg.DBPath
	if cfg.UseMemory {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open journal: %w", err)
	}

	// A single connection keeps an in memory database alive and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to enable foreign keys: %w", err)
	}

	if !cfg.SkipMigrations {
		if err := applyMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Journal{cfg: cfg, db: db}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveBundle records an attached bundle. Saving a bundle twice is a no-op.
func (j *Journal) SaveBundle(ctx context.Context,
	txs []*tangle.Transaction) error {

	bundle := tangle.Bundle(txs).Sorted()
	if err := bundle.Validate(); err != nil {
		return err
	}

	tail := bundle.Tail()
	if !tail.IsAttached() {
		return fmt.Errorf("%w: bundle is not attached",
			tangle.ErrInvalidBundle)
	}

	tailHash, err := tail.Hash()
	if err != nil {
		return err
	}

	rows := make([]struct {
		hash   string
		trytes string
	}, len(bundle))
	for i, tx := range bundle {
		h, err := tx.Hash()
		if err != nil {
			return err
		}
		raw, err := tx.Trytes()
		if err != nil {
			return err
		}
		rows[i].hash = h.Trytes()
		rows[i].trytes = raw
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO bundles (tail_hash, bundle_hash, num_txs, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tail_hash) DO NOTHING`,
		tailHash.Trytes(), tail.Bundle.Trytes(), len(bundle),
		j.cfg.Clock.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("unable to insert bundle: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if inserted == 0 {
		log.Debugf("Bundle with tail %v already journaled", tailHash)
		return nil
	}

	for i, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bundle_transactions (
				tx_hash, tail_hash, current_index, trytes
			) VALUES ($1, $2, $3, $4)`,
			row.hash, tailHash.Trytes(), i, row.trytes,
		)
		if err != nil {
			return fmt.Errorf("unable to insert transaction: %w",
				err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit bundle: %w", err)
	}

	log.Debugf("Journaled bundle %v with tail %v", tail.Bundle, tailHash)

	return nil
}

// BundleByTail returns a journaled bundle tail first.
func (j *Journal) BundleByTail(ctx context.Context,
	tail tangle.Hash) ([]*tangle.Transaction, error) {

	rows, err := j.db.QueryContext(ctx, `
		SELECT trytes FROM bundle_transactions
		WHERE tail_hash = $1
		ORDER BY current_index`, tail.Trytes(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to query bundle: %w", err)
	}
	defer rows.Close()

	var txs []*tangle.Transaction
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}

		tx, err := tangle.TransactionFromTrytes(raw)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrBundleNotFound, tail)
	}

	return txs, nil
}

// ListBundles returns all journaled bundles, newest first.
func (j *Journal) ListBundles(ctx context.Context) ([]BundleRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT tail_hash, bundle_hash, num_txs, created_at
		FROM bundles
		ORDER BY created_at DESC, tail_hash`,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to list bundles: %w", err)
	}
	defer rows.Close()

	var records []BundleRecord
	for rows.Next() {
		var (
			tail, bundle string
			numTxs       int
			createdAt    int64
		)
		if err := rows.Scan(&tail, &bundle, &numTxs,
			&createdAt); err != nil {

			return nil, err
		}

		record := BundleRecord{
			Transactions: numTxs,
			CreatedAt:    time.Unix(createdAt, 0),
		}
		if record.Tail, err = tangle.HashFromTrytes(tail); err != nil {
			return nil, err
		}
		if record.Bundle, err = tangle.HashFromTrytes(bundle); err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
