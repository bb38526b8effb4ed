package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so the store can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the persistent ObjectStore. Objects, edges, and results
// live in relational tables; payload bytes live either inline (bytea) or in
// an S3-compatible blob store when one is configured.
//
// Atomicity of GetOrCreate rests on INSERT ... ON CONFLICT DO NOTHING:
// concurrent discovery of the same UID resolves to exactly one insert.
type PostgresStore struct {
	pool  DBPool
	blobs BlobStore // optional; nil keeps payloads inline
	log   *zap.Logger
}

// NewPostgresStore verifies the connection and returns a store.
func NewPostgresStore(ctx context.Context, pool DBPool, blobs BlobStore, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool:  pool,
		blobs: blobs,
		log:   logger.Named("pgstore"),
	}, nil
}

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	const ddl = `
        CREATE TABLE IF NOT EXISTS objects (
            uid       TEXT PRIMARY KEY,
            size      BIGINT NOT NULL,
            payload   BYTEA,
            root_meta JSONB,
            markers   JSONB NOT NULL DEFAULT '[]'::jsonb
        );
        CREATE TABLE IF NOT EXISTS edges (
            parent       TEXT NOT NULL REFERENCES objects(uid),
            child        TEXT NOT NULL REFERENCES objects(uid),
            virtual_path TEXT NOT NULL,
            PRIMARY KEY (parent, child, virtual_path)
        );
        CREATE TABLE IF NOT EXISTS results (
            uid    TEXT NOT NULL REFERENCES objects(uid),
            plugin TEXT NOT NULL,
            result JSONB NOT NULL,
            PRIMARY KEY (uid, plugin)
        );`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return &schemas.PersistenceError{Op: "init schema", Err: err}
	}
	return nil
}

// GetOrCreate implements schemas.ObjectStore.
func (s *PostgresStore) GetOrCreate(ctx context.Context, uid schemas.UID, produce func() ([]byte, error)) (*schemas.AnalysisObject, bool, error) {
	// Fast path: the object may already exist from a prior run.
	obj, err := s.Get(ctx, uid)
	if err == nil {
		return obj, false, nil
	}
	if !errors.Is(err, schemas.ErrObjectNotFound) {
		return nil, false, err
	}

	payload, err := produce()
	if err != nil {
		return nil, false, &schemas.PersistenceError{Op: "get-or-create", Err: err}
	}

	inline := payload
	if s.blobs != nil {
		if err := s.blobs.Put(ctx, uid, payload); err != nil {
			return nil, false, err
		}
		inline = nil
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO objects (uid, size, payload) VALUES ($1, $2, $3) ON CONFLICT (uid) DO NOTHING`,
		string(uid), int64(len(payload)), inline)
	if err != nil {
		return nil, false, &schemas.PersistenceError{Op: "get-or-create", Err: err}
	}
	if tag.RowsAffected() == 0 {
		// A concurrent branch won the insert race.
		obj, err := s.Get(ctx, uid)
		return obj, false, err
	}

	created := schemas.NewAnalysisObject(payload)
	s.log.Debug("Object created", zap.String("uid", uid.Short()), zap.Int("size", len(payload)))
	return created, true, nil
}

// Get implements schemas.ObjectStore.
func (s *PostgresStore) Get(ctx context.Context, uid schemas.UID) (*schemas.AnalysisObject, error) {
	var (
		size     int64
		payload  []byte
		rootMeta []byte
		markers  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT size, payload, root_meta, markers FROM objects WHERE uid = $1`,
		string(uid)).Scan(&size, &payload, &rootMeta, &markers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.ErrObjectNotFound
	}
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "get", Err: err}
	}

	obj := &schemas.AnalysisObject{
		UID:     uid,
		Size:    size,
		Payload: payload,
		Parents: make(map[schemas.UID][]string),
		Results: make(map[string]*schemas.AnalysisResult),
	}
	if len(rootMeta) > 0 {
		var meta schemas.RootMetadata
		if err := json.Unmarshal(rootMeta, &meta); err != nil {
			return nil, &schemas.PersistenceError{Op: "get", Err: err}
		}
		obj.Root = &meta
	}
	if len(markers) > 0 {
		if err := json.Unmarshal(markers, &obj.UnpackMarkers); err != nil {
			return nil, &schemas.PersistenceError{Op: "get", Err: err}
		}
	}

	if obj.Payload == nil && s.blobs != nil && size > 0 {
		data, err := s.blobs.Fetch(ctx, uid)
		if err != nil {
			return nil, err
		}
		obj.Payload = data
	}

	if err := s.loadEdges(ctx, obj); err != nil {
		return nil, err
	}
	if err := s.loadResults(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *PostgresStore) loadEdges(ctx context.Context, obj *schemas.AnalysisObject) error {
	rows, err := s.pool.Query(ctx,
		`SELECT parent, virtual_path FROM edges WHERE child = $1 ORDER BY parent, virtual_path`,
		string(obj.UID))
	if err != nil {
		return &schemas.PersistenceError{Op: "load edges", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var parent, path string
		if err := rows.Scan(&parent, &path); err != nil {
			return &schemas.PersistenceError{Op: "load edges", Err: err}
		}
		obj.AddParent(schemas.UID(parent), path)
	}
	if err := rows.Err(); err != nil {
		return &schemas.PersistenceError{Op: "load edges", Err: err}
	}

	children, err := s.pool.Query(ctx,
		`SELECT DISTINCT child FROM edges WHERE parent = $1 ORDER BY child`,
		string(obj.UID))
	if err != nil {
		return &schemas.PersistenceError{Op: "load edges", Err: err}
	}
	defer children.Close()
	for children.Next() {
		var child string
		if err := children.Scan(&child); err != nil {
			return &schemas.PersistenceError{Op: "load edges", Err: err}
		}
		obj.AddChild(schemas.UID(child))
	}
	return children.Err()
}

func (s *PostgresStore) loadResults(ctx context.Context, obj *schemas.AnalysisObject) error {
	rows, err := s.pool.Query(ctx,
		`SELECT plugin, result FROM results WHERE uid = $1`, string(obj.UID))
	if err != nil {
		return &schemas.PersistenceError{Op: "load results", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var (
			plugin string
			raw    []byte
		)
		if err := rows.Scan(&plugin, &raw); err != nil {
			return &schemas.PersistenceError{Op: "load results", Err: err}
		}
		var res schemas.AnalysisResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return &schemas.PersistenceError{Op: "load results", Err: err}
		}
		obj.Results[plugin] = &res
	}
	return rows.Err()
}

// AddEdge implements schemas.ObjectStore.
func (s *PostgresStore) AddEdge(ctx context.Context, parent, child schemas.UID, virtualPath string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO edges (parent, child, virtual_path) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		string(parent), string(child), virtualPath)
	if err != nil {
		return &schemas.PersistenceError{Op: "add edge", Err: err}
	}
	return nil
}

// SetRootMetadata implements schemas.ObjectStore.
func (s *PostgresStore) SetRootMetadata(ctx context.Context, uid schemas.UID, meta *schemas.RootMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return &schemas.PersistenceError{Op: "set root metadata", Err: err}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE objects SET root_meta = $2 WHERE uid = $1`, string(uid), raw)
	if err != nil {
		return &schemas.PersistenceError{Op: "set root metadata", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return schemas.ErrObjectNotFound
	}
	return nil
}

// AddUnpackMarker implements schemas.ObjectStore. Markers are a jsonb array;
// the containment guard keeps them duplicate-free.
func (s *PostgresStore) AddUnpackMarker(ctx context.Context, uid schemas.UID, marker string) error {
	entry, err := json.Marshal([]string{marker})
	if err != nil {
		return &schemas.PersistenceError{Op: "add unpack marker", Err: err}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE objects
         SET markers = CASE WHEN markers @> $2::jsonb THEN markers ELSE markers || $2::jsonb END
         WHERE uid = $1`,
		string(uid), entry)
	if err != nil {
		return &schemas.PersistenceError{Op: "add unpack marker", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return schemas.ErrObjectNotFound
	}
	return nil
}

// LoadResult implements schemas.ObjectStore.
func (s *PostgresStore) LoadResult(ctx context.Context, uid schemas.UID, plugin string) (*schemas.AnalysisResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM results WHERE uid = $1 AND plugin = $2`,
		string(uid), plugin).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, schemas.ErrResultNotFound
	}
	if err != nil {
		return nil, &schemas.PersistenceError{Op: "load result", Err: err}
	}
	var res schemas.AnalysisResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &schemas.PersistenceError{Op: "load result", Err: err}
	}
	return &res, nil
}

// StoreResult implements schemas.ObjectStore.
func (s *PostgresStore) StoreResult(ctx context.Context, uid schemas.UID, plugin string, res *schemas.AnalysisResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return &schemas.PersistenceError{Op: "store result", Err: err}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO results (uid, plugin, result) VALUES ($1, $2, $3)
         ON CONFLICT (uid, plugin) DO UPDATE SET result = EXCLUDED.result`,
		string(uid), plugin, raw)
	if err != nil {
		return &schemas.PersistenceError{Op: "store result", Err: err}
	}
	return nil
}
