package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("session")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("connected", "remote", "127.0.0.1:51234")

	out := buf.String()
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=session") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "remote=127.0.0.1:51234") {
		t.Fatalf("expected remote field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("cask")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "debug", &buf)

	WithSession(L("session"), "abc").Debug("frame")

	out := buf.String()
	if !strings.Contains(out, `"sessionId":"abc"`) {
		t.Fatalf("expected json session field, got: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}

	custom := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := NewContext(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Fatal("FromContext did not return the stored logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		" error ": slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevelAppliesToExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)
	logger := L("watcher")

	logger.Debug("before")
	SetLevel("debug")
	logger.Debug("after")
	SetLevel("info")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Fatalf("debug log emitted at info level: %s", out)
	}
	if !strings.Contains(out, "msg=after") {
		t.Fatalf("debug log missing after SetLevel: %s", out)
	}
}

func TestGroupedAttrsSurviveInit(t *testing.T) {
	logger := L("catalog").WithGroup("fetch").With("flavor", "ProtonGE")

	var buf bytes.Buffer
	Init("json", "info", &buf)
	logger.Info("cached")

	if !strings.Contains(buf.String(), `"fetch":{"flavor":"ProtonGE"}`) {
		t.Fatalf("expected grouped attrs, got: %s", buf.String())
	}
}

func TestRotatingWriterCompressesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wine-cask.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	if _, err := rw.Write([]byte("before rotation\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Pretend the file is nearly full so the next write rotates.
	rw.size = rw.limit - 1
	if _, err := rw.Write([]byte("after rotation\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := readGzip(t, path+".1.gz"); got != "before rotation\n" {
		t.Fatalf("backup = %q", got)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read active log: %v", err)
	}
	if string(data) != "after rotation\n" {
		t.Fatalf("active log = %q", data)
	}
	if rw.RotationFailures() != 0 {
		t.Fatalf("RotationFailures = %d", rw.RotationFailures())
	}
}

func TestRotatingWriterDropsOldestBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wine-cask.log")
	rw, err := NewRotatingWriter(path, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	for _, line := range []string{"one\n", "two\n", "three\n", "four\n"} {
		rw.size = rw.limit - 1
		if _, err := rw.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if got := readGzip(t, path+".1.gz"); got != "three\n" {
		t.Fatalf("backup 1 = %q", got)
	}
	if got := readGzip(t, path+".2.gz"); got != "two\n" {
		t.Fatalf("backup 2 = %q", got)
	}
	if _, err := os.Stat(path + ".3.gz"); !os.IsNotExist(err) {
		t.Fatalf("expected no third backup, stat err = %v", err)
	}
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "x.log"), 1, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := rw.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("Write after Close err = %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func readGzip(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
