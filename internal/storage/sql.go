package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"stayintouch/pkg/logx"
)

type dialect struct {
	name     string
	numbered bool // $1, $2 ... instead of ?
}

var (
	dialectSQLite   = dialect{name: "sqlite"}
	dialectPostgres = dialect{name: "postgres", numbered: true}
)

// rebind rewrites ? placeholders for dialects that number them. Queries
// here never contain a literal '?'.
func (d dialect) rebind(q string) string {
	if !d.numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Store over database/sql for both sqlite and postgres.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, pruneEvery: 500}
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) ListContacts(ctx context.Context, owner string) ([]Contact, error) {
	rows, err := s.query(ctx,
		`SELECT id, owner, contact_user, last_call_at, call_count, created_at
		 FROM contacts WHERE owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetContact(ctx context.Context, owner, contactUser string) (Contact, bool, error) {
	row := s.queryRow(ctx,
		`SELECT id, owner, contact_user, last_call_at, call_count, created_at
		 FROM contacts WHERE owner = ? AND contact_user = ?`, owner, contactUser)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, false, nil
	}
	if err != nil {
		return Contact{}, false, err
	}
	return c, true, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanContact(sc scanner) (Contact, error) {
	var (
		c       Contact
		last    sql.NullInt64
		created int64
	)
	if err := sc.Scan(&c.Seq, &c.Owner, &c.ContactUser, &last, &c.CallCount, &created); err != nil {
		return Contact{}, err
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64)
		c.LastCallAt = &t
	}
	c.CreatedAt = time.UnixMilli(created)
	return c, nil
}

func (s *sqlStore) InsertContact(ctx context.Context, owner, contactUser string, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO contacts (owner, contact_user, call_count, created_at) VALUES (?, ?, 0, ?)
		 ON CONFLICT (owner, contact_user) DO NOTHING`, owner, contactUser, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) DeleteContact(ctx context.Context, owner, contactUser string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM contacts WHERE owner = ? AND contact_user = ?`, owner, contactUser)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) UpdateContactCallStats(ctx context.Context, owner, contactUser string, now time.Time) (bool, error) {
	res, err := s.exec(ctx,
		`UPDATE contacts SET call_count = call_count + 1, last_call_at = ?
		 WHERE owner = ? AND contact_user = ?`, now.UnixMilli(), owner, contactUser)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) GetChatBinding(ctx context.Context, user string) (int64, bool, error) {
	var chatID int64
	err := s.queryRow(ctx, `SELECT chat_id FROM chat_bindings WHERE user_id = ?`, user).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return chatID, true, nil
}

func (s *sqlStore) UpsertChatBinding(ctx context.Context, user string, chatID int64, now time.Time) error {
	_, err := s.exec(ctx,
		`INSERT INTO chat_bindings (user_id, chat_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET chat_id = excluded.chat_id, updated_at = excluded.updated_at`,
		user, chatID, now.UnixMilli())
	return err
}

func (s *sqlStore) ListOpenInvites(ctx context.Context, owner string) ([]OpenInvite, error) {
	rows, err := s.query(ctx,
		`SELECT owner, contact_user, chat_id, message_id, created_at
		 FROM open_invites WHERE owner = ? ORDER BY id`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OpenInvite
	for rows.Next() {
		var (
			inv     OpenInvite
			created int64
		)
		if err := rows.Scan(&inv.Owner, &inv.ContactUser, &inv.ChatID, &inv.MessageID, &created); err != nil {
			return nil, err
		}
		inv.CreatedAt = time.UnixMilli(created)
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertOpenInvite(ctx context.Context, inv OpenInvite) error {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO open_invites (owner, contact_user, chat_id, message_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		inv.Owner, inv.ContactUser, inv.ChatID, inv.MessageID, inv.CreatedAt.UnixMilli())
	return err
}

func (s *sqlStore) DeleteOpenInvites(ctx context.Context, owner, contactUser string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if contactUser == "" {
		res, err = s.exec(ctx, `DELETE FROM open_invites WHERE owner = ?`, owner)
	} else {
		res, err = s.exec(ctx, `DELETE FROM open_invites WHERE owner = ? AND contact_user = ?`, owner, contactUser)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) ListInviteOwners(ctx context.Context, createdBefore time.Time) ([]string, error) {
	rows, err := s.query(ctx,
		`SELECT DISTINCT owner FROM open_invites WHERE created_at < ? ORDER BY owner`, createdBefore.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		out = append(out, owner)
	}
	return out, rows.Err()
}

func (s *sqlStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.queryRow(ctx,
		`SELECT COUNT(DISTINCT owner), COUNT(*), COALESCE(SUM(call_count), 0) FROM contacts`,
	).Scan(&st.Owners, &st.Contacts, &st.Calls); err != nil {
		return Stats{}, err
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM open_invites`).Scan(&st.OpenInvites); err != nil {
		return Stats{}, err
	}
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM chat_bindings`).Scan(&st.Bindings); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx,
		`INSERT INTO dedup (key, until) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET until = excluded.until`, key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneDedup(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.queryRow(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneDedup(ctx context.Context) error {
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
