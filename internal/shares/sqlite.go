package shares

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore keeps links in a SQLite database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it.
func OpenSQLite(path string) (*SQLStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; read-modify-write transactions would otherwise
	// hit SQLITE_BUSY on lock upgrade.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS shared_links (
    token TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    file_path TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER,
    access_count INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS shared_links_owner_path ON shared_links (owner_id, file_path);
`)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

const linkColumns = `token, owner_id, file_path, created_at, expires_at, access_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanLink(row scanner) (Link, error) {
	var (
		l         Link
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(&l.Token, &l.Owner, &l.Path, &createdAt, &expiresAt, &l.Accesses)
	if errors.Is(err, sql.ErrNoRows) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, err
	}
	l.CreatedAt = time.Unix(0, createdAt).UTC()
	if expiresAt.Valid {
		t := time.Unix(0, expiresAt.Int64).UTC()
		l.ExpiresAt = &t
	}
	return l, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (s *SQLStore) Get(ctx context.Context, token string) (Link, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM shared_links WHERE token = ?`, token)
	return scanLink(row)
}

func (s *SQLStore) FindByOwnerPath(ctx context.Context, owner, rel string) (Link, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM shared_links WHERE owner_id = ? AND file_path = ?`, owner, rel)
	return scanLink(row)
}

func (s *SQLStore) Upsert(ctx context.Context, owner, rel string, fn func(*Link, bool) error) (Link, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Link{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM shared_links WHERE owner_id = ? AND file_path = ?`, owner, rel)
	l, err := scanLink(row)
	exists := err == nil
	switch {
	case errors.Is(err, ErrNotFound):
		l = Link{Owner: owner, Path: rel}
	case err != nil:
		return Link{}, err
	}

	if err := fn(&l, exists); err != nil {
		return Link{}, err
	}
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE shared_links SET created_at = ?, expires_at = ?, access_count = ? WHERE token = ?`,
			l.CreatedAt.UnixNano(), nullTime(l.ExpiresAt), l.Accesses, l.Token)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO shared_links (`+linkColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			l.Token, owner, rel, l.CreatedAt.UnixNano(), nullTime(l.ExpiresAt), l.Accesses)
	}
	if err != nil {
		return Link{}, fmt.Errorf("upsert share link: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Link{}, fmt.Errorf("commit: %w", err)
	}
	return l, nil
}

func (s *SQLStore) Touch(ctx context.Context, token string) (Link, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Link{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE shared_links SET access_count = access_count + 1 WHERE token = ?`, token)
	if err != nil {
		return Link{}, fmt.Errorf("touch share link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Link{}, fmt.Errorf("touch share link rows affected: %w", err)
	}
	if n == 0 {
		return Link{}, ErrNotFound
	}
	l, err := scanLink(tx.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM shared_links WHERE token = ?`, token))
	if err != nil {
		return Link{}, err
	}
	if err := tx.Commit(); err != nil {
		return Link{}, fmt.Errorf("commit: %w", err)
	}
	return l, nil
}

func (s *SQLStore) ListByOwner(ctx context.Context, owner string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+linkColumns+` FROM shared_links WHERE owner_id = ?`, owner)
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM shared_links WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete share link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete share link rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
