// snapshot_reader.go loads the two keyed maps the delta engine diffs:
// the "current" map from a run's append log and the "existing" map from
// the persisted store.

package tg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
)

// maxLogLineBytes bounds a single append-log line. Entities are API
// records, not documents; 4 MiB is far beyond anything a collector emits.
const maxLogLineBytes = 4 << 20

// ReadSnapshotLog parses one append-log object into a map keyed by
// entity id. Malformed lines are skipped and counted, never fatal to the
// batch. When a collector restart duplicated an id within one log, the
// last line wins.
func ReadSnapshotLog(ctx context.Context, store BlobStore, key string) (map[string]Entity, int, error) {
	data, err := store.Read(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("read snapshot log %s: %w", key, err)
	}

	current := make(map[string]Entity)
	malformed := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		entity, err := ParseAppendLogLine(line)
		if err != nil {
			malformed++
			slog.Default().WarnContext(ctx, "skipping malformed log line", "key", key, "reason", "parse_failed", "line", lineNo, "error", err)
			continue
		}
		current[entity.ID] = *entity
	}
	if err := scanner.Err(); err != nil {
		return nil, malformed, fmt.Errorf("scan snapshot log %s: %w", key, err)
	}

	return current, malformed, nil
}

// LoadSnapshotPair reads the current map from the run's append log and
// the existing map from the store partition for one entity type.
func LoadSnapshotPair(ctx context.Context, blob BlobStore, logKey string, reader EntityReader, entityType string) (current, existing map[string]Entity, malformed int, err error) {
	current, malformed, err = ReadSnapshotLog(ctx, blob, logKey)
	if err != nil {
		return nil, nil, malformed, err
	}
	existing, err = reader.LoadExisting(ctx, entityType)
	if err != nil {
		return nil, nil, malformed, err
	}
	return current, existing, malformed, nil
}
