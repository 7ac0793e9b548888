package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	_ "modernc.org/sqlite"
)

// storageKey is the single well-known key the job list lives under. This
// store is its exclusive owner.
const storageKey = "landval.batch_jobs"

// payloadVersion is bumped on incompatible payload changes. The reference
// behavior persisted an unversioned array; the version field exists so a
// future migration has something to dispatch on.
const payloadVersion = 1

type statePayload struct {
	Version int         `json:"version"`
	Jobs    []JobRecord `json:"jobs"`
}

const stateSchema = `{
	"type": "object",
	"required": ["version", "jobs"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"jobs": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["job_id", "status"],
				"properties": {
					"job_id": {"type": "string", "minLength": 1},
					"status": {"type": "string"},
					"filename": {"type": "string"},
					"total_rows": {"type": "integer", "minimum": 0},
					"completed_rows": {"type": "integer", "minimum": 0},
					"failed_rows": {"type": "integer", "minimum": 0}
				}
			}
		}
	}
}`

var stateSchemaCompiled = jsonschema.MustCompileString("state.schema.json", stateSchema)

// SQLiteStore persists the job list as one versioned JSON document in a
// single-row key/value table.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the local state database at path.
func OpenStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS kv_state (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state db: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save serializes the non-terminal subset of recs under the storage key.
func (s *SQLiteStore) Save(ctx context.Context, recs []JobRecord) error {
	live := make([]JobRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Terminal() {
			continue
		}
		live = append(live, rec)
	}
	bs, err := json.Marshal(statePayload{Version: payloadVersion, Jobs: live})
	if err != nil {
		return fmt.Errorf("encode job state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv_state (key, value, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		storageKey, string(bs), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

// Load returns the persisted non-terminal records. An empty database, an
// unreadable payload, or an unknown payload version all hydrate as an empty
// list rather than an error: local state is a convenience, never worth
// refusing to start over.
func (s *SQLiteStore) Load(ctx context.Context) ([]JobRecord, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_state WHERE key = ?`, storageKey,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job state: %w", err)
	}

	var doc any
	if err := json.Unmarshal([]byte(value), &doc); err != nil {
		s.logger.Warn("job state payload unreadable, starting empty", "error", err)
		return nil, nil
	}
	if err := stateSchemaCompiled.Validate(doc); err != nil {
		s.logger.Warn("job state payload failed validation, starting empty", "error", err)
		return nil, nil
	}

	var payload statePayload
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		s.logger.Warn("job state payload unreadable, starting empty", "error", err)
		return nil, nil
	}
	if payload.Version != payloadVersion {
		s.logger.Warn("job state payload has unknown version, starting empty",
			"found", payload.Version, "want", payloadVersion)
		return nil, nil
	}

	live := make([]JobRecord, 0, len(payload.Jobs))
	for _, rec := range payload.Jobs {
		if rec.Terminal() {
			continue
		}
		live = append(live, rec)
	}
	return live, nil
}
