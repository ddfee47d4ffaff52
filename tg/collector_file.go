// collector_file.go adapts on-disk JSONL exports into collector
// pipelines. Upstream extract jobs drop one {pipeline}.jsonl file per
// pipeline into a source directory; the collector streams those lines
// into the run's append log unchanged.

package tg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileCollector reads one pipeline's export file from SourceDir. The
// file is a full snapshot, so run.Since is ignored. A missing or
// malformed export fails the collection; the controller contains the
// failure to this pipeline.
type FileCollector struct {
	PipelineName string
	Type         string
	SourceDir    string
}

func (c *FileCollector) Name() string { return c.PipelineName }

func (c *FileCollector) EntityType() string { return c.Type }

func (c *FileCollector) Collect(ctx context.Context, run RunContext, out *AppendLogWriter) error {
	path := filepath.Join(c.SourceDir, c.PipelineName+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open export %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		entity, err := ParseAppendLogLine(line)
		if err != nil {
			return fmt.Errorf("export %s line %d: %w", path, lineNo, err)
		}
		if entity.Type != c.Type {
			return fmt.Errorf("export %s line %d: entity type %q does not match pipeline type %q", path, lineNo, entity.Type, c.Type)
		}
		// Exports written without timestamps inherit the run's.
		if entity.CollectedAt.IsZero() {
			entity.CollectedAt = run.Timestamp
		}

		if err := out.Append(entity); err != nil {
			return err
		}
		if err := out.FlushIfThreshold(ctx); err != nil {
			return err
		}
	}
	return scanner.Err()
}
