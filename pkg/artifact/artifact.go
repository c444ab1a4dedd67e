// Package artifact writes fetched structure files to a destination.
//
// A destination is either a local directory or an S3 location of the form
// s3://bucket/prefix. The file name is always FileName(jobID) and the
// content is the result text exactly as the backend returned it.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FileName returns the download name for a job's structure file.
func FileName(jobID string) string {
	return "protein_" + jobID + ".pdb"
}

// Sink stores structure files.
type Sink interface {
	// Write stores content under FileName(jobID) and returns the location
	// it was written to (a path or an s3:// URI).
	Write(ctx context.Context, jobID string, content string) (string, error)

	// Describe returns a human-readable destination for logs.
	Describe() string
}

var (
	ErrNotFound           = errors.New("destination not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// SinkError wraps a failed write with its destination.
type SinkError struct {
	Op   string
	Dest string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Dest, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Options tunes S3 destinations. Zero values use the AWS default chain.
type Options struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// Open resolves dest into a Sink. An empty dest means the current directory.
func Open(ctx context.Context, dest string, opts Options) (Sink, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		dest = "."
	}

	if !strings.HasPrefix(strings.ToLower(dest), "s3://") {
		return NewFileSink(dest), nil
	}

	bucket, prefix, err := ParseS3URI(dest)
	if err != nil {
		return nil, err
	}
	return NewS3Sink(ctx, S3Config{
		Bucket:         bucket,
		Prefix:         prefix,
		Region:         opts.Region,
		Endpoint:       opts.Endpoint,
		Profile:        opts.Profile,
		ForcePathStyle: opts.ForcePathStyle,
	})
}

// ParseS3URI splits s3://bucket/prefix into its parts. The prefix has no
// leading slash and, when non-empty, ends with one.
func ParseS3URI(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse destination %q: %w", raw, err)
	}
	if !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("destination %q is not an s3:// URI", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("destination %q has no bucket", raw)
	}

	prefix = strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return u.Host, prefix, nil
}
