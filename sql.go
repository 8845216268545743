package grower

import (
	"context"
	"database/sql"
	"embed"
	"errors"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/maxbolgarin/errm"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	createOrGrowQuery = `
INSERT INTO dicks (uid, chat_key, length) VALUES ($1, $2, $3)
ON CONFLICT (uid, chat_key) DO UPDATE SET length = dicks.length + excluded.length
RETURNING length`

	lengthQuery = `SELECT length FROM dicks WHERE uid = $1 AND chat_key = $2`

	personalStatsQuery = `
SELECT
    COUNT(*) AS chats,
    CAST(COALESCE(MAX(length), 0) AS BIGINT) AS max_length,
    CAST(COALESCE(SUM(length), 0) AS BIGINT) AS total_length
FROM dicks
WHERE uid = $1`

	topQuery = `
SELECT uid, chat_key, length FROM dicks
WHERE chat_key = $1
ORDER BY length DESC, uid ASC
LIMIT $2`

	mergeChatsPostgresQuery = `
WITH moved AS (
    DELETE FROM dicks WHERE chat_key = $1 RETURNING uid, length
)
INSERT INTO dicks (uid, chat_key, length)
SELECT uid, $2, length FROM moved WHERE true
ON CONFLICT (uid, chat_key) DO UPDATE SET length = dicks.length + excluded.length`

	// SQLite numbers named parameters by first appearance, positional ones keep args order
	mergeChatsSQLiteInsertQuery = `
INSERT INTO dicks (uid, chat_key, length)
SELECT uid, ?, length FROM dicks WHERE chat_key = ?
ON CONFLICT (uid, chat_key) DO UPDATE SET length = dicks.length + excluded.length`

	mergeChatsSQLiteDeleteQuery = `DELETE FROM dicks WHERE chat_key = ?`
)

// SQLStorage is a [GrowthStorage] on top of PostgreSQL or SQLite.
// Growth is a single INSERT ... ON CONFLICT DO UPDATE statement, so concurrent
// increments of the same row are serialized by the database.
type SQLStorage struct {
	db     *sqlx.DB
	driver string
	log    Logger
}

// NewPostgres connects to PostgreSQL and applies migrations.
func NewPostgres(ctx context.Context, cfg DatabaseConfig, log Logger) (*SQLStorage, error) {
	cfg.Driver = DriverPostgres
	if err := cfg.prepareAndValidate(); err != nil {
		return nil, errm.Wrap(err, "validate config")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL)
	if err != nil {
		return nil, errm.Wrap(err, "connect")
	}
	db.SetMaxOpenConns(cfg.MaxConnections)

	return newSQLStorage(db, DriverPostgres, cfg.URL, log)
}

// NewSQLite opens (or creates) SQLite database file and applies migrations.
func NewSQLite(ctx context.Context, path string, log Logger) (*SQLStorage, error) {
	if err := validation.Validate(path, validation.Required); err != nil {
		return nil, errm.Wrap(err, "path")
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errm.Wrap(err, "connect")
	}
	// SQLite has a single writer, one connection avoids SQLITE_BUSY on upserts
	db.SetMaxOpenConns(1)

	return newSQLStorage(db, DriverSQLite, "", log)
}

func newSQLStorage(db *sqlx.DB, driver, migrateURL string, log Logger) (*SQLStorage, error) {
	s := &SQLStorage{
		db:     db,
		driver: driver,
		log:    prepareLogger(log, false, false),
	}

	if err := s.migrateUp(migrateURL); err != nil {
		db.Close()
		return nil, errm.Wrap(err, "migrate")
	}

	return s, nil
}

// CreateOrGrow implements [GrowthStorage].
func (s *SQLStorage) CreateOrGrow(ctx context.Context, user UserID, chatKey string, delta int64) (int64, error) {
	var length int64
	if err := s.db.GetContext(ctx, &length, createOrGrowQuery, int64(user), chatKey, delta); err != nil {
		return 0, errm.Wrap(err, "upsert")
	}
	return length, nil
}

// Length implements [GrowthStorage].
func (s *SQLStorage) Length(ctx context.Context, user UserID, chatKey string) (int64, error) {
	var length int64
	err := s.db.GetContext(ctx, &length, lengthQuery, int64(user), chatKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrNotFound
	case err != nil:
		return 0, errm.Wrap(err, "select")
	}
	return length, nil
}

// PersonalStats implements [GrowthStorage].
func (s *SQLStorage) PersonalStats(ctx context.Context, user UserID) (PersonalStats, error) {
	var stats PersonalStats
	if err := s.db.GetContext(ctx, &stats, personalStatsQuery, int64(user)); err != nil {
		return PersonalStats{}, errm.Wrap(err, "aggregate")
	}
	return stats, nil
}

// Top implements [GrowthStorage].
func (s *SQLStorage) Top(ctx context.Context, chatKey string, limit int) ([]GrowthRecord, error) {
	var records []GrowthRecord
	if err := s.db.SelectContext(ctx, &records, topQuery, chatKey, limit); err != nil {
		return nil, errm.Wrap(err, "select")
	}
	return records, nil
}

// MergeChats implements [GrowthStorage].
func (s *SQLStorage) MergeChats(ctx context.Context, fromKey, toKey string) (int64, error) {
	if s.driver == DriverPostgres {
		res, err := s.db.ExecContext(ctx, mergeChatsPostgresQuery, fromKey, toKey)
		if err != nil {
			return 0, errm.Wrap(err, "merge")
		}
		return res.RowsAffected()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errm.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mergeChatsSQLiteInsertQuery, toKey, fromKey); err != nil {
		return 0, errm.Wrap(err, "insert")
	}
	res, err := tx.ExecContext(ctx, mergeChatsSQLiteDeleteQuery, fromKey)
	if err != nil {
		return 0, errm.Wrap(err, "delete")
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, errm.Wrap(err, "rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errm.Wrap(err, "commit")
	}

	return moved, nil
}

// Ping checks the connection to the database.
func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [GrowthStorage].
func (s *SQLStorage) Close(context.Context) error {
	return s.db.Close()
}

// migrateUp applies embedded migrations. PostgreSQL is migrated using a separate
// connection owned by migrate. SQLite is migrated through the storage handle, because
// another connection to ":memory:" opens a different database.
func (s *SQLStorage) migrateUp(url string) error {
	src, err := iofs.New(migrationsFS, "migrations/"+s.driver)
	if err != nil {
		return errm.Wrap(err, "open migrations")
	}

	var m *migrate.Migrate
	switch s.driver {
	case DriverSQLite:
		drv, err := migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
		if err != nil {
			src.Close()
			return errm.Wrap(err, "sqlite driver")
		}
		m, err = migrate.NewWithInstance("iofs", src, DriverSQLite, drv)
		if err != nil {
			src.Close()
			return errm.Wrap(err, "new migrate")
		}
		// m.Close would close the storage handle too
		defer src.Close()

	default:
		m, err = migrate.NewWithSourceInstance("iofs", src, url)
		if err != nil {
			return errm.Wrap(err, "new migrate")
		}
		defer m.Close()
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		s.log.Debug("schema is up to date", "driver", s.driver)
	case err != nil:
		return errm.Wrap(err, "up")
	default:
		version, _, _ := m.Version()
		s.log.Info("schema migrated", "driver", s.driver, "version", version)
	}

	return nil
}
