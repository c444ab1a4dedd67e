package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/foldwatch/pkg/artifact"
	"github.com/3leaps/foldwatch/pkg/output"
)

const testSequence = "MKTAYIAKQRQISFVKSHFSRQ"

// fakeBackend is an in-memory prediction backend.
type fakeBackend struct {
	mu           sync.Mutex
	statuses     map[string]string
	results      map[string]string
	history      []map[string]any
	nextID       string
	submitStatus int
	submitBody   string
	submits      int
	resultGets   int
}

func newFakeBackend(t *testing.T) (*fakeBackend, string) {
	t.Helper()
	b := &fakeBackend{
		statuses: map[string]string{},
		results:  map[string]string{},
		history:  []map[string]any{},
		nextID:   "abc123",
	}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv.URL
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case r.URL.Path == "/submit":
		b.submits++
		if b.submitStatus != 0 {
			w.WriteHeader(b.submitStatus)
			_, _ = w.Write([]byte(b.submitBody))
			return
		}
		b.statuses[b.nextID] = "Queued"
		_ = json.NewEncoder(w).Encode(map[string]string{"job_id": b.nextID})
	case r.URL.Path == "/history":
		_ = json.NewEncoder(w).Encode(b.history)
	case strings.HasPrefix(r.URL.Path, "/status/"):
		status, ok := b.statuses[strings.TrimPrefix(r.URL.Path, "/status/")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	case strings.HasPrefix(r.URL.Path, "/result/"):
		b.resultGets++
		pdb, ok := b.results[strings.TrimPrefix(r.URL.Path, "/result/")]
		if !ok {
			http.Error(w, "not ready", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"pdb": pdb})
	default:
		http.NotFound(w, r)
	}
}

func (b *fakeBackend) addJob(id, status, errMsg string, created time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = status
	b.history = append(b.history, map[string]any{
		"job_id":     id,
		"status":     status,
		"error":      errMsg,
		"created_at": created.UTC().Format(time.RFC3339),
	})
}

// complete marks id Completed in both the status endpoint and the history
// listing and makes its structure file available.
func (b *fakeBackend) complete(id, pdb string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[id] = "Completed"
	b.results[id] = pdb
	for _, item := range b.history {
		if item["job_id"] == id {
			item["status"] = "Completed"
		}
	}
}

func (b *fakeBackend) resultCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resultGets
}

func (b *fakeBackend) submitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// isolate runs the test in an empty working directory with no user config.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("FOLDWATCH_STATUS_INTERVAL", "20ms")
	t.Setenv("FOLDWATCH_HISTORY_INTERVAL", "50ms")
	t.Setenv("FOLDWATCH_PROGRESS_INTERVAL", "50ms")
	return dir
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	isolate(t)
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc1234", "2026-01-01")

	out, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "foldwatch 1.2.3")
	assert.Contains(t, out, "commit=abc1234")
	assert.Contains(t, out, "build_date=2026-01-01")

	out, err = runCLI(t, "", "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.NotEmpty(t, info["go_version"])
}

func TestSubmitCommand(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)

	out, err := runCLI(t, "", "submit", testSequence, "--backend", url)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=abc123")
	assert.Contains(t, out, "status=Queued")
	assert.Equal(t, 1, backend.submitCount())
}

func TestSubmitCommand_TooShort(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)

	out, err := runCLI(t, "", "submit", "MKT", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Contains(t, out, "error=")
	assert.Zero(t, backend.submitCount())
}

func TestSubmitCommand_BackendRejects(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.submitStatus = http.StatusBadRequest
	backend.submitBody = "unsupported residue X"

	out, err := runCLI(t, "", "submit", testSequence, "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	assert.Contains(t, out, "backend_response=unsupported residue X")
}

func TestSubmitCommand_RequiresOneInput(t *testing.T) {
	isolate(t)
	_, url := newFakeBackend(t)

	_, err := runCLI(t, "", "submit", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))

	_, err = runCLI(t, "", "submit", testSequence, "--file", "x.fasta", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestSubmitCommand_MissingFile(t *testing.T) {
	isolate(t)
	_, url := newFakeBackend(t)

	_, err := runCLI(t, "", "submit", "--file", "missing.fasta", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitFileNotFound, ExitCode(err))
}

func TestSubmitCommand_FASTAFromStdin(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	fasta := ">first\n" + testSequence + "\n>second\n" + testSequence + "\n"

	out, err := runCLI(t, fasta, "submit", "--file", "-", "--json", "--backend", url)
	require.NoError(t, err)

	var results []submission
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Header)
	assert.Equal(t, "second", results[1].Header)
	assert.Equal(t, "abc123", results[0].JobID)
	assert.Equal(t, len(testSequence), results[0].Length)
	assert.Equal(t, 2, backend.submitCount())
}

func TestStatusCommand(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("run42abc", "Processing", "", time.Now().Add(-time.Minute))

	out, err := runCLI(t, "", "status", "run42", "--backend", url)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=run42abc")
	assert.Contains(t, out, "status=Processing")
	assert.NotContains(t, out, "progress=")
}

func TestStatusCommand_CompletedJobSkipsDownload(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("done01", "Completed", "", time.Now())
	backend.results["done01"] = "ATOM      1  N   MET A   1\nEND\n"

	out, err := runCLI(t, "", "status", "done01", "--json", "--backend", url)
	require.NoError(t, err)

	var job map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "done01", job["job_id"])
	assert.Equal(t, "Completed", job["status"])
	assert.NotContains(t, job, "progress")
	assert.Equal(t, 0, backend.resultCount())
}

func TestStatusCommand_FailedJob(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("fail01", "Failed", "out of memory", time.Now())

	out, err := runCLI(t, "", "status", "fail01", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, exitJobFailed, ExitCode(err))
	assert.Contains(t, out, "status=Failed")
	assert.Contains(t, out, "error=out of memory")
	assert.NotContains(t, out, "progress=")
}

func TestStatusCommand_UnknownJob(t *testing.T) {
	isolate(t)
	_, url := newFakeBackend(t)

	_, err := runCLI(t, "", "status", "nope", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestResultCommand(t *testing.T) {
	dir := isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("done01", "Completed", "", time.Now())
	backend.results["done01"] = "ATOM      1  N   MET A   1\nEND\n"
	outDir := filepath.Join(dir, "structures")

	out, err := runCLI(t, "", "result", "done01", "--out", outDir, "--backend", url)
	require.NoError(t, err)
	assert.Contains(t, out, "saved=")

	data, err := os.ReadFile(filepath.Join(outDir, artifact.FileName("done01")))
	require.NoError(t, err)
	assert.Equal(t, "ATOM      1  N   MET A   1\nEND\n", string(data))
}

func TestResultCommand_Stdout(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("done01", "Completed", "", time.Now())
	backend.results["done01"] = "END\n"

	out, err := runCLI(t, "", "result", "done01", "--stdout", "--backend", url)
	require.NoError(t, err)
	assert.Equal(t, "END\n", out)
}

func TestResultCommand_NotReady(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("busy01", "Processing", "", time.Now())

	_, err := runCLI(t, "", "result", "busy01", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestResultCommand_ConflictingFlags(t *testing.T) {
	isolate(t)
	_, url := newFakeBackend(t)

	_, err := runCLI(t, "", "result", "done01", "--stdout", "--out", "x", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func seedHistory(backend *fakeBackend) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend.addJob("old111", "Completed", "", base)
	backend.addJob("mid222", "Failed", "bad input", base.Add(time.Hour))
	backend.addJob("new333", "Processing", "", base.Add(2*time.Hour))
}

func TestHistoryCommand(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	seedHistory(backend)

	out, err := runCLI(t, "", "history", "--backend", url)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "new333"), "newest job first")
	assert.True(t, strings.HasPrefix(lines[3], "old111"))
}

func TestHistoryCommand_Filter(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	seedHistory(backend)

	out, err := runCLI(t, "", "history", "--status", "Failed", "--json", "--backend", url)
	require.NoError(t, err)

	var jobs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "mid222", jobs[0]["job_id"])

	out, err = runCLI(t, "", "history", "--search", "NEW", "--json", "--backend", url)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "new333", jobs[0]["job_id"])
}

func TestHistoryCommand_InvalidStatus(t *testing.T) {
	isolate(t)
	_, url := newFakeBackend(t)

	_, err := runCLI(t, "", "history", "--status", "Running", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestHistoryCommand_BackendDown(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := runCLI(t, "", "history", "--backend", srv.URL)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
}

func TestDashboardCommand(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	seedHistory(backend)

	out, err := runCLI(t, "", "dashboard", "--backend", url)
	require.NoError(t, err)
	assert.Contains(t, out, "total=3 completed=1 active=1 failed=1")
	assert.Contains(t, out, "new333")
}

func TestDashboardCommand_Empty(t *testing.T) {
	isolate(t)
	_, url := newFakeBackend(t)

	out, err := runCLI(t, "", "dashboard", "--backend", url)
	require.NoError(t, err)
	assert.Contains(t, out, "total=0")
	assert.Contains(t, out, "No jobs yet")
}

func readRecordTypes(t *testing.T, out string) []string {
	t.Helper()
	var types []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var rec struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec), sc.Text())
		types = append(types, rec.Type)
	}
	return types
}

func TestWatchCommand_DownloadsCompletedJob(t *testing.T) {
	dir := isolate(t)
	backend, url := newFakeBackend(t)
	backend.statuses["done01"] = "Completed"
	backend.results["done01"] = "END\n"
	outDir := filepath.Join(dir, "out")

	out, err := runCLI(t, "", "watch", "done01", "--out", outDir, "--jsonl", "--timeout", "5s", "--backend", url)
	require.NoError(t, err)

	types := readRecordTypes(t, out)
	require.NotEmpty(t, types)
	assert.Contains(t, types, output.TypeJob)
	assert.Contains(t, types, output.TypeArtifact)
	assert.Equal(t, output.TypeSummary, types[len(types)-1])

	_, err = os.Stat(filepath.Join(outDir, artifact.FileName("done01")))
	assert.NoError(t, err)
}

func TestWatchCommand_FollowsToCompletion(t *testing.T) {
	dir := isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("slow01", "Processing", "", time.Now())

	go func() {
		time.Sleep(100 * time.Millisecond)
		backend.complete("slow01", "END\n")
	}()

	out, err := runCLI(t, "", "watch", "slow", "--out", dir, "--timeout", "10s", "--backend", url)
	require.NoError(t, err)
	assert.Contains(t, out, "[slow01] Processing")
	assert.Contains(t, out, "[slow01] Completed")
	assert.Contains(t, out, "saved ")
	assert.Contains(t, out, "jobs=1 completed=1 failed=0 pending=0 artifacts=1")
}

func TestWatchCommand_FailedJob(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("fail01", "Failed", "out of memory", time.Now())

	out, err := runCLI(t, "", "watch", "fail01", "--no-download", "--timeout", "5s", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, exitJobFailed, ExitCode(err))
	assert.Contains(t, out, "[fail01] Failed: out of memory")
	assert.Contains(t, out, "failed=1")
}

func TestWatchCommand_UnknownJob(t *testing.T) {
	isolate(t)
	_, url := newFakeBackend(t)

	out, err := runCLI(t, "", "watch", "ghost", "--no-download", "--timeout", "5s", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Contains(t, out, "cannot resolve job")
}

func TestWatchCommand_Timeout(t *testing.T) {
	isolate(t)
	backend, url := newFakeBackend(t)
	backend.addJob("stuck01", "Queued", "", time.Now())

	out, err := runCLI(t, "", "watch", "stuck01", "--no-download", "--timeout", "150ms", "--backend", url)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	assert.Contains(t, out, "pending=1")
	assert.Contains(t, out, output.ErrCodeTimeout)
}

func TestSubmitCommand_Watch(t *testing.T) {
	dir := isolate(t)
	backend, url := newFakeBackend(t)

	go func() {
		for backend.submitCount() == 0 {
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		backend.complete("abc123", "END\n")
	}()

	out, err := runCLI(t, "", "submit", testSequence, "--watch", "--out", dir, "--timeout", "10s", "--backend", url)
	require.NoError(t, err)
	assert.Contains(t, out, "job_id=abc123")
	assert.Contains(t, out, "completed=1")

	_, err = os.Stat(filepath.Join(dir, artifact.FileName("abc123")))
	assert.NoError(t, err)
}
