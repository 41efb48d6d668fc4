package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"contract-ingest/models"
)

const exportBatch = 500

// CSVWriter writes canonical records to a CSV file, one column per field.
// It is safe for concurrent use.
type CSVWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
	columns []string
}

// NewCSVWriter creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewCSVWriter(path string, columns []string) (*CSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)

	header := append([]string{"canonical_key", "entity_type"}, columns...)
	header = append(header, "completeness_score", "sources", "first_seen_at", "updated_at")
	if err := w.Write(header); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &CSVWriter{file: f, writer: w, columns: columns}, nil
}

// WriteRecords appends one row per record.
func (c *CSVWriter) WriteRecords(records []*models.CanonicalRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range records {
		sources := make([]string, 0, len(r.Sources))
		for s := range r.Sources {
			sources = append(sources, s)
		}
		sort.Strings(sources)

		row := []string{r.Key, r.EntityType}
		for _, col := range c.columns {
			row = append(row, r.Fields[col])
		}
		row = append(row,
			strconv.FormatFloat(r.CompletenessScore, 'f', 2, 64),
			strings.Join(sources, ";"),
			r.FirstSeenAt.Format(time.RFC3339),
			r.UpdatedAt.Format(time.RFC3339),
		)
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Export streams every record in store into the file and returns how many
// rows were written.
func (c *CSVWriter) Export(ctx context.Context, store RecordStore) (int, error) {
	var after int64
	total := 0
	for {
		batch, err := store.ListRecords(ctx, after, exportBatch)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := c.WriteRecords(batch); err != nil {
			return total, err
		}
		total += len(batch)
		after = batch[len(batch)-1].ID
	}
}

// Close flushes and closes the underlying file.
func (c *CSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
