package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	s, err := NewPostgresStore(context.Background(), mock, nil, zap.NewNop())
	require.NoError(t, err)
	return s, mock
}

func TestPostgresStore_GetOrCreate_New(t *testing.T) {
	s, mock := newMockStore(t)
	payload := []byte("fresh firmware")
	uid := schemas.NewUID(payload)

	mock.ExpectQuery("SELECT size, payload, root_meta, markers FROM objects").
		WithArgs(string(uid)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO objects").
		WithArgs(string(uid), int64(len(payload)), payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	obj, wasNew, err := s.GetOrCreate(context.Background(), uid, func() ([]byte, error) { return payload, nil })
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, uid, obj.UID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrCreate_LostInsertRace(t *testing.T) {
	s, mock := newMockStore(t)
	payload := []byte("contended child")
	uid := schemas.NewUID(payload)

	// First existence probe misses, the insert conflicts, and the follow-up
	// read returns the winner's row.
	mock.ExpectQuery("SELECT size, payload, root_meta, markers FROM objects").
		WithArgs(string(uid)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO objects").
		WithArgs(string(uid), int64(len(payload)), payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	expectFullObjectRead(mock, uid, payload)

	obj, wasNew, err := s.GetOrCreate(context.Background(), uid, func() ([]byte, error) { return payload, nil })
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, uid, obj.UID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectFullObjectRead(mock pgxmock.PgxPoolIface, uid schemas.UID, payload []byte) {
	mock.ExpectQuery("SELECT size, payload, root_meta, markers FROM objects").
		WithArgs(string(uid)).
		WillReturnRows(pgxmock.NewRows([]string{"size", "payload", "root_meta", "markers"}).
			AddRow(int64(len(payload)), payload, []byte(nil), []byte(`[]`)))
	mock.ExpectQuery("SELECT parent, virtual_path FROM edges").
		WithArgs(string(uid)).
		WillReturnRows(pgxmock.NewRows([]string{"parent", "virtual_path"}))
	mock.ExpectQuery("SELECT DISTINCT child FROM edges").
		WithArgs(string(uid)).
		WillReturnRows(pgxmock.NewRows([]string{"child"}))
	mock.ExpectQuery("SELECT plugin, result FROM results").
		WithArgs(string(uid)).
		WillReturnRows(pgxmock.NewRows([]string{"plugin", "result"}))
}

func TestPostgresStore_StoreAndLoadResult(t *testing.T) {
	s, mock := newMockStore(t)
	uid := schemas.NewUID([]byte("obj"))

	res := &schemas.AnalysisResult{
		Plugin:        "file_type",
		PluginVersion: "1.0",
		Payload:       map[string]any{"mime": "application/gzip"},
		Tags:          []string{"compressed"},
	}
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO results").
		WithArgs(string(uid), "file_type", raw).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.StoreResult(context.Background(), uid, "file_type", res))

	mock.ExpectQuery("SELECT result FROM results").
		WithArgs(string(uid), "file_type").
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(raw))
	loaded, err := s.LoadResult(context.Background(), uid, "file_type")
	require.NoError(t, err)
	assert.Equal(t, res.Plugin, loaded.Plugin)
	assert.Equal(t, res.Tags, loaded.Tags)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadResult_Absent(t *testing.T) {
	s, mock := newMockStore(t)
	uid := schemas.NewUID([]byte("obj"))

	mock.ExpectQuery("SELECT result FROM results").
		WithArgs(string(uid), "entropy").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LoadResult(context.Background(), uid, "entropy")
	assert.ErrorIs(t, err, schemas.ErrResultNotFound)
}

func TestPostgresStore_SetRootMetadata_Unknown(t *testing.T) {
	s, mock := newMockStore(t)
	uid := schemas.NewUID([]byte("nope"))

	mock.ExpectExec("UPDATE objects SET root_meta").
		WithArgs(string(uid), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetRootMetadata(context.Background(), uid, &schemas.RootMetadata{Vendor: "acme"})
	assert.ErrorIs(t, err, schemas.ErrObjectNotFound)
}

func TestPostgresStore_AddEdge(t *testing.T) {
	s, mock := newMockStore(t)
	parent := schemas.NewUID([]byte("parent"))
	child := schemas.NewUID([]byte("child"))

	mock.ExpectExec("INSERT INTO edges").
		WithArgs(string(parent), string(child), "/bin/sh").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AddEdge(context.Background(), parent, child, "/bin/sh"))
	require.NoError(t, mock.ExpectationsWereMet())
}
