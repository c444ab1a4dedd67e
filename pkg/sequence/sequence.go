// Package sequence validates and loads protein sequences for submission.
package sequence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// MinLength is the shortest accepted sequence after trimming whitespace.
	MinLength = 10

	// RecommendedMaxLength is advisory; longer sequences are accepted but slow.
	RecommendedMaxLength = 1000
)

// ErrTooShort is returned for sequences rejected before any network call.
var ErrTooShort = fmt.Errorf("sequence must be at least %d characters", MinLength)

// ErrEmptyInput is returned when an input file contains no sequence at all.
var ErrEmptyInput = errors.New("no sequence found in input")

// Validate checks the local submission rule: at least MinLength characters
// once surrounding whitespace is removed.
func Validate(seq string) error {
	if len([]rune(strings.TrimSpace(seq))) < MinLength {
		return ErrTooShort
	}
	return nil
}

// ExceedsRecommended reports whether the residue count is above the advisory limit.
func ExceedsRecommended(seq string) bool {
	return len(Residues(seq)) > RecommendedMaxLength
}

// Residues strips FASTA header lines and whitespace and returns the bare residues.
func Residues(seq string) string {
	var b strings.Builder
	for _, line := range strings.Split(seq, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ">") || strings.HasPrefix(line, ";") {
			continue
		}
		b.WriteString(strings.Join(strings.Fields(line), ""))
	}
	return b.String()
}

// Record is one FASTA entry.
type Record struct {
	Header   string `json:"header,omitempty" yaml:"name,omitempty"`
	Residues string `json:"sequence" yaml:"sequence"`
}

// Text renders the record the way it is submitted: header line (if any)
// followed by the residues.
func (r Record) Text() string {
	if r.Header == "" {
		return r.Residues
	}
	return ">" + r.Header + "\n" + r.Residues
}

// ParseFASTA reads one or more FASTA records.
//
// Input without any '>' header is treated as a single bare sequence.
// Lines starting with ';' are comments.
func ParseFASTA(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		records []Record
		cur     *Record
		body    strings.Builder
	)
	flush := func() {
		if cur == nil && body.Len() == 0 {
			return
		}
		rec := Record{Residues: body.String()}
		if cur != nil {
			rec.Header = cur.Header
		}
		records = append(records, rec)
		cur = nil
		body.Reset()
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, ">"):
			flush()
			cur = &Record{Header: strings.TrimSpace(strings.TrimPrefix(line, ">"))}
		default:
			body.WriteString(strings.Join(strings.Fields(line), ""))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fasta: %w", err)
	}
	flush()

	// Drop header-only records.
	out := records[:0]
	for _, rec := range records {
		if rec.Residues != "" {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyInput
	}
	return out, nil
}
