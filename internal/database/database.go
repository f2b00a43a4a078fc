// Package database provides the PostgreSQL persistence layer for the pool server.
// It stores pool members, their attributed reward balances, and round submissions.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ErrMemberNotFound is returned when a member lookup matches no row.
var ErrMemberNotFound = errors.New("member not found")

// Member is a pool member row.
type Member struct {
	// Address is the member account address (primary key).
	Address   string
	ID        int64
	Authority string
	Pool      string

	// TotalBalance is the lifetime attributed balance in the smallest reward unit.
	TotalBalance int64

	IsApproved bool
	IsSynced   bool
}

// BalanceUpdate is an increment to a member's lifetime balance.
type BalanceUpdate struct {
	Address string
	Amount  uint64
}

// Submission records a completed round submission for auditability.
type Submission struct {
	Challenge        []byte
	LastHashAt       int64
	Attestation      []byte
	Signature        string
	Difficulty       int64
	NumContributions int64
	TotalScore       int64
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

const opTimeout = 10 * time.Second

// New creates a database manager with a PostgreSQL connection pool using the
// provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// InsertMember inserts a new member row and returns it with its assigned id.
// Inserting an already registered member returns the existing row unchanged.
func (db *Manager) InsertMember(ctx context.Context, m Member) (Member, error) {
	if db.dbpool == nil {
		return Member{}, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`INSERT INTO members (
			address,
			authority,
			pool_address,
			total_balance,
			is_approved,
			is_synced
		) VALUES ($1, $2, $3, 0, $4, TRUE)
		ON CONFLICT (address) DO NOTHING`,
		m.Address,    // address
		m.Authority,  // authority
		m.Pool,       // pool_address
		m.IsApproved, // is_approved
	)
	if err != nil {
		return Member{}, fmt.Errorf("failed to insert member: %v", err)
	}

	return db.MemberByAuthority(ctx, m.Authority, m.Pool)
}

// MemberByAuthority returns the member row for an authority within a pool.
func (db *Manager) MemberByAuthority(ctx context.Context, authority, pool string) (Member, error) {
	if db.dbpool == nil {
		return Member{}, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var m Member
	err := db.dbpool.QueryRow(ctx,
		`SELECT address, id, authority, pool_address, total_balance, is_approved, is_synced
		 FROM members
		 WHERE authority = $1 AND pool_address = $2`,
		authority, pool,
	).Scan(&m.Address, &m.ID, &m.Authority, &m.Pool, &m.TotalBalance, &m.IsApproved, &m.IsSynced)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, ErrMemberNotFound
	}
	if err != nil {
		return Member{}, fmt.Errorf("failed to query member: %v", err)
	}
	return m, nil
}

// IncrementTotalBalances applies a batch of balance increments in a single
// round-trip and flags the members as needing on-chain attribution.
func (db *Manager) IncrementTotalBalances(ctx context.Context, updates []BalanceUpdate) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}
	if len(updates) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, u := range updates {
		if u.Amount == 0 {
			continue
		}
		batch.Queue(
			`UPDATE members
			 SET total_balance = total_balance + $2, is_synced = FALSE
			 WHERE address = $1`,
			u.Address, int64(u.Amount),
		)
	}
	if batch.Len() == 0 {
		return nil
	}

	results := db.dbpool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to increment member balance: %v", err)
		}
	}
	return nil
}

// UnsyncedMembers returns members whose lifetime balance has not yet been
// attributed on-chain, oldest members first.
func (db *Manager) UnsyncedMembers(ctx context.Context, limit int) ([]Member, error) {
	if db.dbpool == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := db.dbpool.Query(ctx,
		`SELECT address, id, authority, pool_address, total_balance, is_approved, is_synced
		 FROM members
		 WHERE is_synced = FALSE AND is_approved = TRUE
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced members: %v", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Address, &m.ID, &m.Authority, &m.Pool, &m.TotalBalance, &m.IsApproved, &m.IsSynced); err != nil {
			return nil, fmt.Errorf("failed to scan member row: %v", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read unsynced members: %v", err)
	}
	return members, nil
}

// MarkMembersSynced flags members as attributed on-chain.
func (db *Manager) MarkMembersSynced(ctx context.Context, addresses []string) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}
	if len(addresses) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`UPDATE members SET is_synced = TRUE WHERE address = ANY($1)`,
		addresses,
	)
	if err != nil {
		return fmt.Errorf("failed to mark members synced: %v", err)
	}
	return nil
}

// RecordSubmission stores the audit record of a completed round.
func (db *Manager) RecordSubmission(ctx context.Context, s Submission) error {
	if db.dbpool == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`INSERT INTO submissions (
			entry_time,
			challenge,
			last_hash_at,
			attestation,
			signature,
			difficulty,
			num_contributions,
			total_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		time.Now(),         // entry_time
		s.Challenge,        // challenge
		s.LastHashAt,       // last_hash_at
		s.Attestation,      // attestation
		s.Signature,        // signature
		s.Difficulty,       // difficulty
		s.NumContributions, // num_contributions
		s.TotalScore,       // total_score
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("submission record canceled: %v", err)
		}
		return fmt.Errorf("failed to record submission: %v", err)
	}
	return nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(opTimeout):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
