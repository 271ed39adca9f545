package accounts

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Credential is the opaque login material for an account. The scheduler never
// interprets it; only the login client does.
type Credential struct {
	Username string
	Password string
}

// Account is an external identity under management, typically a phone number.
type Account struct {
	ID         string
	Credential Credential
}

// DB abstracts the pgxpool.Pool query surface to allow mocking in tests.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Directory reads the set of managed accounts from Postgres. Accounts are
// created and retired by the admin flow; the scheduler only ever reads them.
type Directory struct {
	db  DB
	log *zap.Logger
}

// NewDirectory creates an account directory backed by the given pool.
func NewDirectory(db DB, logger *zap.Logger) *Directory {
	return &Directory{
		db:  db,
		log: logger.Named("accounts"),
	}
}

// ListActive returns every account the scheduler should keep a session for.
func (d *Directory) ListActive(ctx context.Context) ([]Account, error) {
	rows, err := d.db.Query(ctx, `
		SELECT id, username, password
		FROM accounts
		WHERE active
		ORDER BY id;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active accounts: %w", err)
	}
	defer rows.Close()

	var accts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Credential.Username, &a.Credential.Password); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		accts = append(accts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during account row iteration: %w", err)
	}

	d.log.Debug("Listed active accounts", zap.Int("count", len(accts)))
	return accts, nil
}
