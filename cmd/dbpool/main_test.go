package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-i2p/dbpool/lib/testutil"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}, args...)
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func startStore(t *testing.T) *testutil.MockStore {
	t.Helper()
	store, err := testutil.NewMockStore()
	if err != nil {
		t.Fatalf("NewMockStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRun_Version(t *testing.T) {
	code, out, _ := runCLI(t, "--version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.HasPrefix(out, "dbpool version ") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no command", args: nil, want: 2},
		{name: "unknown command", args: []string{"migrate"}, want: 2},
		{name: "unknown flag", args: []string{"--bogus", "probe"}, want: 2},
		{name: "help", args: []string{"--help"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, tt.args...)
			if code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestRun_Config(t *testing.T) {
	code, out, _ := runCLI(t, "--max-size", "4", "--driver", "sqlite", "--path", "/tmp/app.db", "config")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	for _, want := range []string{"max_size = 4", "driver = 'sqlite'", "[pool.breaker]"} {
		if !strings.Contains(out, want) && !strings.Contains(out, strings.ReplaceAll(want, "'", `"`)) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestRun_ConfigYAML(t *testing.T) {
	code, out, _ := runCLI(t, "--yaml", "config")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out, "max_size: 10") {
		t.Errorf("yaml output missing max_size:\n%s", out)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	code, _, _ := runCLI(t, "--max-size", "0", "probe")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRun_Probe(t *testing.T) {
	store := startStore(t)

	code, out, _ := runCLI(t, "--address", store.Addr(), "probe")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out, "tcp://"+store.Addr()+": ok") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_ProbeUnreachable(t *testing.T) {
	t.Setenv("DBPOOL_ACQUIRE_TIMEOUT", "200ms")

	code, _, _ := runCLI(t, "--address", "127.0.0.1:1", "probe")
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRun_Bench(t *testing.T) {
	store := startStore(t)

	code, out, _ := runCLI(t,
		"--address", store.Addr(),
		"--max-size", "2",
		"--workers", "4",
		"--ops", "5",
		"bench",
	)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0\n%s", code, out)
	}
	if !strings.Contains(out, "Operations:   20 ok, 0 failed") {
		t.Errorf("bench output:\n%s", out)
	}
	if store.Accepted() > 2 {
		t.Errorf("store accepted %d sessions, want at most max size 2", store.Accepted())
	}
}
