// log_audit.go provides SQL-over-logs auditing. Append logs are the
// immutable record of what every run observed; this file lets operators
// ask questions of that record without touching the entity store. Logs
// are downloaded from the blob store into a temp dir and queried with
// DuckDB's read_json_auto over the newline-delimited files, so ad-hoc
// audits need no ingestion step.

package tg

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// LogAuditor runs DuckDB queries over archived append logs.
type LogAuditor struct {
	Store BlobStore

	// MemoryLimit caps DuckDB memory; defaults to 128MB.
	MemoryLimit string
}

// LogTypeCount is one (entityType, count) row from an audit query.
type LogTypeCount struct {
	EntityType string
	Count      int64
}

// NewLogAuditor creates an auditor over the given blob store.
func NewLogAuditor(store BlobStore) (*LogAuditor, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	return &LogAuditor{Store: store}, nil
}

func (a *LogAuditor) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, err
	}

	memLimit := a.MemoryLimit
	if memLimit == "" {
		memLimit = "128MB"
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`
		SET memory_limit = '%s';
		PRAGMA threads = 1;
	`, memLimit)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// downloadSnapshotLogs pulls every log object under the snapshot prefix
// into dir and returns the local file paths, sorted by object key.
func (a *LogAuditor) downloadSnapshotLogs(ctx context.Context, snapshotID, dir string) ([]string, error) {
	if strings.TrimSpace(snapshotID) == "" {
		return nil, fmt.Errorf("snapshotID cannot be empty")
	}

	objects, err := a.Store.List(ctx, snapshotID+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshot logs: %w", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	paths := make([]string, 0, len(objects))
	for i, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".jsonl") {
			continue
		}
		localPath := filepath.Join(dir, fmt.Sprintf("log-%05d.jsonl", i))
		if err := a.Store.Download(ctx, obj.Key, localPath); err != nil {
			return nil, fmt.Errorf("download log %s: %w", obj.Key, err)
		}
		paths = append(paths, localPath)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrBlobNotFound)
	}
	return paths, nil
}

// readJSONSource builds the read_json_auto table expression for the
// downloaded log files. union_by_name merges the flat self-describing
// lines of different entity types into one relation.
func readJSONSource(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", "''") + "'"
	}
	return fmt.Sprintf(
		`read_json_auto([%s], format='newline_delimited', union_by_name=true)`,
		strings.Join(quoted, ", "),
	)
}

// TypeCounts returns per-entity-type line counts for one snapshot's
// logs, ordered by entity type.
func (a *LogAuditor) TypeCounts(ctx context.Context, snapshotID string) ([]LogTypeCount, error) {
	tmpDir, err := os.MkdirTemp("", "tenantgraph-audit-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	paths, err := a.downloadSnapshotLogs(ctx, snapshotID, tmpDir)
	if err != nil {
		return nil, err
	}

	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := fmt.Sprintf(`
		SELECT entityType, COUNT(*) AS n
		FROM %s
		GROUP BY entityType
		ORDER BY entityType
	`, readJSONSource(paths))

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("audit type counts for %s: %w", snapshotID, err)
	}
	defer rows.Close()

	counts := make([]LogTypeCount, 0)
	for rows.Next() {
		var c LogTypeCount
		if err := rows.Scan(&c.EntityType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// EntityIDsInWindow returns the distinct ids of the given entity type
// whose collection timestamps fall inside [from, to), ordered by id.
func (a *LogAuditor) EntityIDsInWindow(ctx context.Context, snapshotID, entityType string, from, to time.Time) ([]string, error) {
	if strings.TrimSpace(entityType) == "" {
		return nil, fmt.Errorf("entityType cannot be empty")
	}

	tmpDir, err := os.MkdirTemp("", "tenantgraph-audit-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	paths, err := a.downloadSnapshotLogs(ctx, snapshotID, tmpDir)
	if err != nil {
		return nil, err
	}

	db, err := a.openDB(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := fmt.Sprintf(`
		SELECT DISTINCT id
		FROM %s
		WHERE entityType = ?
		  AND CAST(collectionTimestamp AS TIMESTAMP) >= CAST(? AS TIMESTAMP)
		  AND CAST(collectionTimestamp AS TIMESTAMP) <  CAST(? AS TIMESTAMP)
		ORDER BY id
	`, readJSONSource(paths))

	rows, err := db.QueryContext(ctx, query,
		entityType,
		from.UTC().Format(time.RFC3339Nano),
		to.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("audit ids for %s/%s: %w", snapshotID, entityType, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
