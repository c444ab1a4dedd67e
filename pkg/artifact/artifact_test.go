package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/foldwatch/pkg/gateway"
	"github.com/3leaps/foldwatch/pkg/jobregistry"
)

func TestFileName(t *testing.T) {
	assert.Equal(t, "protein_J1.pdb", FileName("J1"))
	assert.Equal(t, "protein_abc123.pdb", FileName("abc123"))
}

func TestFileSink_WritesExactContent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink := NewFileSink(dir)

	content := "ATOM      1  N   MET A   1      27.340  24.430   2.614\nEND\n"
	path, err := sink.Write(context.Background(), "J1", content)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "protein_J1.pdb"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(b))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileSink_Overwrites(t *testing.T) {
	sink := NewFileSink(t.TempDir())

	_, err := sink.Write(context.Background(), "J1", "old")
	require.NoError(t, err)
	path, err := sink.Write(context.Background(), "J1", "new")
	require.NoError(t, err)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
}

func TestFileSink_RejectsBadIDs(t *testing.T) {
	sink := NewFileSink(t.TempDir())

	_, err := sink.Write(context.Background(), "", "x")
	assert.Error(t, err)
	_, err = sink.Write(context.Background(), "../escape", "x")
	assert.Error(t, err)
}

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantBucket string
		wantPrefix string
		wantErr    bool
	}{
		{name: "bucket only", raw: "s3://structures", wantBucket: "structures"},
		{name: "bucket slash", raw: "s3://structures/", wantBucket: "structures"},
		{name: "prefix", raw: "s3://structures/runs/2026", wantBucket: "structures", wantPrefix: "runs/2026/"},
		{name: "prefix slash", raw: "s3://structures/runs/", wantBucket: "structures", wantPrefix: "runs/"},
		{name: "wrong scheme", raw: "gs://structures", wantErr: true},
		{name: "no bucket", raw: "s3:///runs", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, prefix, err := ParseS3URI(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBucket, bucket)
			assert.Equal(t, tt.wantPrefix, prefix)
		})
	}
}

func TestOpen_LocalDir(t *testing.T) {
	dir := t.TempDir()
	sink, err := Open(context.Background(), dir, Options{})
	require.NoError(t, err)

	fs, ok := sink.(*FileSink)
	require.True(t, ok)
	assert.Equal(t, dir, fs.Dir())

	sink, err = Open(context.Background(), "  ", Options{})
	require.NoError(t, err)
	assert.Equal(t, ".", sink.Describe())
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("", "eu-west-1"))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Equal(t, "", resolveRegion("http://localhost:9000", ""))
}

func TestS3Config_Validate(t *testing.T) {
	cfg := S3Config{}
	assert.Error(t, cfg.Validate())

	cfg = S3Config{Bucket: "b", AccessKeyID: "AKIA"}
	assert.Error(t, cfg.Validate())

	cfg = S3Config{Bucket: "b", AccessKeyID: "AKIA", SecretAccessKey: "secret"}
	assert.NoError(t, cfg.Validate())
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Write(t *testing.T) {
	fp := &fakePutter{}
	sink := &S3Sink{client: fp, bucket: "structures", prefix: "runs/"}

	loc, err := sink.Write(context.Background(), "J1", "ATOM")
	require.NoError(t, err)
	assert.Equal(t, "s3://structures/runs/protein_J1.pdb", loc)
	assert.Equal(t, "structures", aws.ToString(fp.input.Bucket))
	assert.Equal(t, "runs/protein_J1.pdb", aws.ToString(fp.input.Key))
	assert.Equal(t, PDBContentType, aws.ToString(fp.input.ContentType))
	assert.Equal(t, int64(4), aws.ToInt64(fp.input.ContentLength))
	assert.Equal(t, "ATOM", fp.body)
}

func TestS3Sink_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"AccessDenied", ErrAccessDenied},
		{"InvalidAccessKeyId", ErrInvalidCredentials},
		{"SlowDown", ErrThrottled},
		{"ServiceUnavailable", ErrUnavailable},
		{"NoSuchBucket", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			fp := &fakePutter{err: &smithy.GenericAPIError{Code: tt.code, Message: "nope"}}
			sink := &S3Sink{client: fp, bucket: "structures"}

			_, err := sink.Write(context.Background(), "J1", "ATOM")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var sinkErr *SinkError
			require.ErrorAs(t, err, &sinkErr)
			assert.Equal(t, "s3://structures/protein_J1.pdb", sinkErr.Dest)
		})
	}

	fp := &fakePutter{err: errors.New("dial tcp: refused")}
	_, err := (&S3Sink{client: fp, bucket: "b"}).Write(context.Background(), "J1", "x")
	var sinkErr *SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.False(t, errors.Is(err, ErrAccessDenied))
}

// End to end: submit, poll through Processing to Completed, download.
func TestScenario_SubmitPollDownload(t *testing.T) {
	const pdb = "ATOM      1  N   MET A   1\nEND\n"
	statusCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body["sequence"]) != 16 {
			http.Error(w, "unexpected sequence", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": "J1"})
	})
	mux.HandleFunc("/status/J1", func(w http.ResponseWriter, r *http.Request) {
		statusCalls++
		status := "Processing"
		if statusCalls > 1 {
			status = "Completed"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.HandleFunc("/result/J1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"pdb": pdb})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := gateway.New(gateway.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	tr := jobregistry.NewTracker(client, jobregistry.TrackerConfig{})
	ctx := context.Background()

	id, err := tr.Submit(ctx, "MKTAYIAKQRQISFVK")
	require.NoError(t, err)
	require.Equal(t, "J1", id)

	assert.Equal(t, jobregistry.OutcomeSuccess, tr.PollStatus(ctx, id).Kind)
	job, _ := tr.Registry().Get(id)
	assert.Equal(t, jobregistry.StatusProcessing, job.Status)

	assert.Equal(t, jobregistry.OutcomeSuccess, tr.PollStatus(ctx, id).Kind)
	job, _ = tr.Registry().Get(id)
	require.Equal(t, jobregistry.StatusCompleted, job.Status)
	require.True(t, job.HasResult())

	sink := NewFileSink(t.TempDir())
	path, err := sink.Write(ctx, job.ID, *job.Result)
	require.NoError(t, err)
	assert.Equal(t, "protein_J1.pdb", filepath.Base(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pdb, string(b))
}
