package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes structure files into a local directory.
//
// Writes are atomic: content goes to a temp file in the same directory which
// is then renamed over the final name, so readers never see a partial file.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: strings.TrimSpace(dir)}
}

func (s *FileSink) Dir() string {
	return s.dir
}

func (s *FileSink) Describe() string {
	return s.dir
}

// Path returns where jobID's file is written.
func (s *FileSink) Path(jobID string) string {
	return filepath.Join(s.dir, FileName(jobID))
}

func (s *FileSink) Write(ctx context.Context, jobID string, content string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", fmt.Errorf("job_id is required")
	}
	if strings.ContainsAny(jobID, `/\`) {
		return "", fmt.Errorf("job_id %q is not a valid file name", jobID)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if s.dir == "" {
		return "", &SinkError{Op: "write", Dest: s.dir, Err: fmt.Errorf("output dir is empty")}
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", &SinkError{Op: "create dir", Dest: s.dir, Err: err}
	}

	finalPath := s.Path(jobID)
	tmp, err := os.CreateTemp(s.dir, FileName(jobID)+".tmp.*")
	if err != nil {
		return "", &SinkError{Op: "create temp file", Dest: s.dir, Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return "", &SinkError{Op: "write", Dest: finalPath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &SinkError{Op: "close", Dest: finalPath, Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", &SinkError{Op: "chmod", Dest: finalPath, Err: err}
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return "", &SinkError{Op: "rename", Dest: finalPath, Err: err}
	}
	return finalPath, nil
}
