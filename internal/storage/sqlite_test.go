package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stayintouch/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "bot.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openTestSQLite)
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	r := require.New(t)
	path := filepath.Join(t.TempDir(), "bot.db")
	ctx := context.Background()

	s, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	r.NoError(err)
	_, err = s.InsertContact(ctx, "alice", "bob", time.Now())
	r.NoError(err)
	r.NoError(s.Close())

	s, err = Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	r.NoError(err)
	defer s.Close()
	list, err := s.ListContacts(ctx, "alice")
	r.NoError(err)
	r.Len(list, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "cassandra"}, logx.Nop())
	require.ErrorIs(t, err, ErrUnknownDriver)
}

func TestRebind(t *testing.T) {
	r := require.New(t)
	q := `SELECT a FROM t WHERE b = ? AND c = ?`
	r.Equal(q, dialectSQLite.rebind(q))
	r.Equal(`SELECT a FROM t WHERE b = $1 AND c = $2`, dialectPostgres.rebind(q))
}

func TestNormalizeUser(t *testing.T) {
	r := require.New(t)
	r.Equal("bob", NormalizeUser(" @Bob "))
	r.Equal("bob_2", NormalizeUser("BOB_2"))
}
