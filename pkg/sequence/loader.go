package sequence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Source is a loaded record together with where it came from.
type Source struct {
	Path   string
	Record Record
}

// Batch is the on-disk format for submitting several sequences at once.
//
// Example (YAML):
//
//	sequences:
//	  - name: short peptide
//	    sequence: GGGPGGGPGGGPGGGP
//	files:
//	  - seqs/**/*.fasta
type Batch struct {
	Sequences []Record `json:"sequences" yaml:"sequences"`
	Files     []string `json:"files,omitempty" yaml:"files,omitempty"`
}

// LoadFile reads all FASTA records from a single file.
func LoadFile(path string) ([]Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	records, err := ParseFASTA(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	out := make([]Source, 0, len(records))
	for _, rec := range records {
		out = append(out, Source{Path: path, Record: rec})
	}
	return out, nil
}

// Glob expands a doublestar pattern (e.g. "seqs/**/*.fasta") relative to root
// and loads every matching file in lexical order.
func Glob(root, pattern string) ([]Source, error) {
	pattern = filepath.ToSlash(strings.TrimSpace(pattern))
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	if root == "" {
		root = "."
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %q: %w", pattern, err)
	}
	sort.Strings(matches)

	var out []Source
	for _, m := range matches {
		srcs, err := LoadFile(filepath.Join(root, filepath.FromSlash(m)))
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}
	return out, nil
}

// LoadBatch reads a YAML or JSON batch file. Globs under "files" are resolved
// relative to the batch file's directory.
func LoadBatch(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var b Batch
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("invalid JSON in batch: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("invalid YAML in batch: %w", err)
		}
	}

	out := make([]Source, 0, len(b.Sequences))
	for i, rec := range b.Sequences {
		rec.Residues = strings.TrimSpace(rec.Residues)
		if rec.Residues == "" {
			return nil, fmt.Errorf("%s: sequences[%d]: sequence is required", path, i)
		}
		out = append(out, Source{Path: path, Record: rec})
	}

	dir := filepath.Dir(path)
	for _, pattern := range b.Files {
		srcs, err := Glob(dir, pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, srcs...)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyInput)
	}
	return out, nil
}
