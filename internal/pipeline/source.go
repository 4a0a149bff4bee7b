// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/itchyny/gojq"

	"github.com/tombee/maestro/pkg/workflow"
)

// ErrUnsupportedFormat is returned when a file source declares or
// implies a format the engine cannot parse.
var ErrUnsupportedFormat = errors.New("unsupported format")

// Adapter ingests data for one source type.
type Adapter interface {
	// Validate rejects a source spec the adapter cannot serve.
	Validate(cfg *workflow.SourceConfig) error

	// Ingest produces a dataset from the source.
	Ingest(ctx context.Context, cfg *workflow.SourceConfig) (*Dataset, error)
}

// fileAdapter reads JSON, CSV, or line-delimited files. Paths may use
// doublestar glob patterns; all matches are concatenated in lexical
// order.
type fileAdapter struct{}

func (a *fileAdapter) Validate(cfg *workflow.SourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if format := fileFormat(cfg, cfg.Path); format != "json" && format != "csv" && format != "lines" {
		return fmt.Errorf("%w: %q (use one of: json, csv, lines)", ErrUnsupportedFormat, format)
	}
	return nil
}

func (a *fileAdapter) Ingest(ctx context.Context, cfg *workflow.SourceConfig) (*Dataset, error) {
	paths, err := resolvePaths(cfg.Path)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files match %q", cfg.Path)
	}

	var records []Record
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parsed, err := parseFile(cfg, path)
		if err != nil {
			return nil, err
		}
		records = append(records, parsed...)
	}

	if cfg.Selector != "" {
		records, err = applySelector(ctx, cfg.Selector, records)
		if err != nil {
			return nil, err
		}
	}

	return &Dataset{
		SourceID: cfg.ID,
		Records:  records,
		Schema:   inferSchema(records),
		Metadata: map[string]any{
			"files": paths,
			"path":  cfg.Path,
		},
		IngestedAt: time.Now(),
	}, nil
}

// resolvePaths expands a glob pattern, or returns the literal path.
func resolvePaths(path string) ([]string, error) {
	if !strings.ContainsAny(path, "*?[{") {
		return []string{path}, nil
	}

	base, pattern := doublestar.SplitPattern(filepath.ToSlash(path))
	matches, err := doublestar.Glob(os.DirFS(base), pattern)
	if err != nil {
		return nil, fmt.Errorf("bad glob %q: %w", path, err)
	}
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		out = append(out, filepath.Join(base, match))
	}
	return out, nil
}

func fileFormat(cfg *workflow.SourceConfig, path string) string {
	if cfg.Format != "" {
		return strings.ToLower(cfg.Format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".csv":
		return "csv"
	case ".jsonl", ".ndjson", ".txt", ".log":
		return "lines"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}

func parseFile(cfg *workflow.SourceConfig, path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	switch format := fileFormat(cfg, path); format {
	case "json":
		return parseJSON(data, path)
	case "csv":
		return parseCSV(data, path)
	case "lines", "jsonl", "ndjson":
		return parseLines(data), nil
	default:
		return nil, fmt.Errorf("%w: %q for %s", ErrUnsupportedFormat, format, path)
	}
}

func parseJSON(data []byte, path string) ([]Record, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	switch v := doc.(type) {
	case []any:
		records := make([]Record, 0, len(v))
		for i, item := range v {
			record, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("parse %s: element %d is not an object", path, i)
			}
			records = append(records, record)
		}
		return records, nil
	case map[string]any:
		return []Record{v}, nil
	default:
		return nil, fmt.Errorf("parse %s: top-level value must be an object or array", path)
	}
}

func parseCSV(data []byte, path string) ([]Record, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(Record, len(header))
		for i, name := range header {
			if i >= len(row) {
				record[name] = nil
				continue
			}
			record[name] = coerceCSVValue(row[i])
		}
		records = append(records, record)
	}
	return records, nil
}

// coerceCSVValue converts cell text to number, bool, or null where it
// cleanly parses; everything else stays a string.
func coerceCSVValue(cell string) any {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil
	}
	if n, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return n
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return true
	case "false":
		return false
	}
	return cell
}

func parseLines(data []byte) []Record {
	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err == nil {
			records = append(records, record)
			continue
		}
		records = append(records, Record{"value": line})
	}
	return records
}

// applySelector runs a gojq query over each record. Object results
// replace the record, array results expand, null/false results drop
// the record.
func applySelector(ctx context.Context, selector string, records []Record) ([]Record, error) {
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("bad selector %q: %w", selector, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("bad selector %q: %w", selector, err)
	}

	var out []Record
	for _, record := range records {
		iter := code.RunWithContext(ctx, map[string]any(record))
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			switch result := v.(type) {
			case error:
				return nil, fmt.Errorf("selector %q: %w", selector, result)
			case map[string]any:
				out = append(out, result)
			case []any:
				for _, item := range result {
					if obj, ok := item.(map[string]any); ok {
						out = append(out, obj)
					}
				}
			case nil, bool:
				// Null and false drop the record; true keeps it.
				if b, isBool := result.(bool); isBool && b {
					out = append(out, record)
				}
			}
		}
	}
	return out, nil
}

// simulatedAdapter stands in for database, api, and stream sources.
// It synthesizes a deterministic dataset seeded by the source id, the
// same shape for every run, so pipelines behave reproducibly without
// external systems.
type simulatedAdapter struct {
	kind    workflow.SourceType
	records int
}

func (a *simulatedAdapter) Validate(cfg *workflow.SourceConfig) error {
	return cfg.Validate()
}

func (a *simulatedAdapter) Ingest(ctx context.Context, cfg *workflow.SourceConfig) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := a.records
	if n <= 0 {
		n = 50
	}
	rng := rand.New(rand.NewSource(int64(seedFor(cfg.ID))))

	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, Record{
			"id":    fmt.Sprintf("%s-%d", cfg.ID, i),
			"value": rng.Float64() * 100,
			"score": rng.Float64(),
			"label": []string{"a", "b", "c"}[rng.Intn(3)],
		})
	}

	return &Dataset{
		SourceID: cfg.ID,
		Records:  records,
		Schema:   inferSchema(records),
		Metadata: map[string]any{
			"simulated": true,
			"kind":      string(a.kind),
		},
		IngestedAt: time.Now(),
	}, nil
}

func seedFor(id string) uint32 {
	var seed uint32 = 2166136261
	for _, b := range []byte(id) {
		seed ^= uint32(b)
		seed *= 16777619
	}
	return seed
}
