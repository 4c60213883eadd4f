package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"github.com/ryhazerus/permit"
	"github.com/ryhazerus/permit/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decodeResult(t *testing.T, out string) ProbeResult {
	t.Helper()
	var r ProbeResult
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("decoding %q: %v", out, err)
	}
	return r
}

func TestBucketCmd(t *testing.T) {
	out, err := execute(t, "bucket", "--rate", "10", "--callers", "100", "--json")
	if err != nil {
		t.Fatal(err)
	}

	r := decodeResult(t, out)
	// The run can straddle a second boundary, which opens a second window.
	if r.Granted < 10 || r.Granted > 20 {
		t.Errorf("granted = %d, want between 10 and 20", r.Granted)
	}
	if r.Granted+r.Denied != 100 {
		t.Errorf("granted+denied = %d, want 100", r.Granted+r.Denied)
	}
	if r.Backend != "memory" || r.Key != permit.DefaultBucketPrefix {
		t.Errorf("result = %+v, want memory backend with default prefix", r)
	}
}

func TestSemaphoreCmd(t *testing.T) {
	out, err := execute(t, "semaphore", "--limit", "5", "--callers", "50", "--json")
	if err != nil {
		t.Fatal(err)
	}

	r := decodeResult(t, out)
	if r.Granted != 5 || r.Denied != 45 {
		t.Errorf("granted/denied = %d/%d, want 5/45", r.Granted, r.Denied)
	}
	if r.Released != 0 {
		t.Errorf("released = %d, want 0 without --release", r.Released)
	}
}

func TestSemaphoreCmdCallerDecisions(t *testing.T) {
	out, err := execute(t, "semaphore", "--limit", "3", "--callers", "10", "--json")
	if err != nil {
		t.Fatal(err)
	}

	r := decodeResult(t, out)
	if len(r.Decisions) != 10 {
		t.Fatalf("decisions = %d, want one per caller", len(r.Decisions))
	}

	seen := make(map[string]bool)
	var granted int64
	for _, d := range r.Decisions {
		if _, err := uuid.Parse(d.Caller); err != nil {
			t.Errorf("caller id %q: %v", d.Caller, err)
		}
		if seen[d.Caller] {
			t.Errorf("caller id %s used twice", d.Caller)
		}
		seen[d.Caller] = true
		if d.Granted {
			granted++
		}
	}
	if granted != r.Granted {
		t.Errorf("granted decisions = %d, summary says %d", granted, r.Granted)
	}
}

func TestSemaphoreCmdRelease(t *testing.T) {
	out, err := execute(t, "semaphore", "--limit", "5", "--callers", "20", "--hold", "20ms", "--release", "--json")
	if err != nil {
		t.Fatal(err)
	}

	r := decodeResult(t, out)
	if r.Released != uint64(r.Granted) {
		t.Errorf("released = %d, want one per grant (%d)", r.Released, r.Granted)
	}
	if r.Granted < 5 {
		t.Errorf("granted = %d, want at least the limit", r.Granted)
	}
}

func TestSemaphoreCmdTextOutput(t *testing.T) {
	out, err := execute(t, "semaphore", "--limit", "2", "--callers", "4")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"=== semaphore probe (memory backend) ===",
		"granted:  2",
		"denied:   2",
		"[GRANT] caller=",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestBucketCmdMetrics(t *testing.T) {
	out, err := execute(t, "bucket", "--rate", "1", "--callers", "3", "--metrics")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "permit_decisions_total") {
		t.Errorf("output missing Prometheus counters:\n%s", out)
	}
	if !strings.Contains(out, `primitive="bucket"`) {
		t.Errorf("output missing bucket label:\n%s", out)
	}
}

func TestSemaphoreCmdSQLiteNoReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permit.db")

	if _, err := execute(t, "reset", "--backend", "sqlite", "--sqlite-path", path, "--limit", "3"); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "semaphore", "--backend", "sqlite", "--sqlite-path", path,
		"--limit", "3", "--callers", "2", "--no-reset", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if r := decodeResult(t, out); r.Granted != 2 {
		t.Errorf("first run granted = %d, want 2", r.Granted)
	}

	// The second run joins the same counter, which has one permit left.
	out, err = execute(t, "semaphore", "--backend", "sqlite", "--sqlite-path", path,
		"--limit", "3", "--callers", "5", "--no-reset", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if r := decodeResult(t, out); r.Granted != 1 {
		t.Errorf("second run granted = %d, want 1", r.Granted)
	}
}

func TestResetCmdRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.Set(permit.DefaultSemaphoreKey, "-4")

	out, err := execute(t, "reset", "--backend", "redis", "--redis-addr", mr.Addr(), "--limit", "7")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "7 permits available") {
		t.Errorf("output = %q, want 7 permits available", out)
	}
	if got, _ := mr.Get(permit.DefaultSemaphoreKey); got != "7" {
		t.Errorf("redis counter = %q, want 7", got)
	}
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permit.toml")
	body := `
backend = "memory"

[semaphore]
limit = 3
key = "jobs:permits"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "--config", path, "semaphore", "--callers", "10", "--json")
	if err != nil {
		t.Fatal(err)
	}
	r := decodeResult(t, out)
	if r.Limit != 3 || r.Granted != 3 || r.Key != "jobs:permits" {
		t.Errorf("result = %+v, want limit 3 from file on key jobs:permits", r)
	}

	out, err = execute(t, "--config", path, "semaphore", "--limit", "6", "--callers", "10", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if r := decodeResult(t, out); r.Granted != 6 {
		t.Errorf("granted = %d, want 6 from --limit", r.Granted)
	}
}

func TestUnknownBackend(t *testing.T) {
	if _, err := execute(t, "bucket", "--backend", "etcd"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := execute(t, "bucket", "--backend", "redis", "--redis-addr", addr); err == nil {
		t.Error("expected error for unreachable redis")
	}
}

func TestRunProbeReleases(t *testing.T) {
	ctx := context.Background()
	sem, err := permit.NewSemaphore(ctx, store.NewMemoryStore(), 4)
	if err != nil {
		t.Fatal(err)
	}

	run := runProbe(ctx, newLogger(io.Discard, 0), sem, probeOptions{
		callers: 4,
		hold:    time.Millisecond,
		release: true,
	})
	if run.granted != 4 || run.denied != 0 {
		t.Errorf("granted/denied = %d/%d, want 4/0", run.granted, run.denied)
	}
	for _, d := range run.decisions {
		if !d.Granted || !d.Released {
			t.Errorf("caller %s: granted=%v released=%v, want both", d.Caller, d.Granted, d.Released)
		}
	}
	if n, _ := sem.Available(ctx); n != 4 {
		t.Errorf("Available = %d, want 4 after every caller released", n)
	}
}
