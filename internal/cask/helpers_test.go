package cask

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/decky-wine-cellar/wine-cask/internal/catalog"
	"github.com/decky-wine-cellar/wine-cask/internal/flavor"
	"github.com/decky-wine-cellar/wine-cask/internal/state"
	"github.com/decky-wine-cellar/wine-cask/internal/steam"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

type recorder struct {
	mu   sync.Mutex
	msgs []api.Message
}

func (r *recorder) Broadcast(msg api.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) notifications() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.Type == api.MessageNotification && m.Notification != nil {
			out = append(out, *m.Notification)
		}
	}
	return out
}

func (r *recorder) states() []*api.AppState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*api.AppState
	for _, m := range r.msgs {
		if m.Type == api.MessageUpdateState {
			out = append(out, m.AppState)
		}
	}
	return out
}

func (r *recorder) hasNotification(text string) bool {
	for _, n := range r.notifications() {
		if n == text {
			return true
		}
	}
	return false
}

type fakeHost struct {
	dir     string
	mapping map[uint64]string
	games   []steam.Game
	mapErr  error
	dirErr  error
	// onScan runs after each tool scan and before its result is returned.
	onScan func()
}

func (h *fakeHost) CompatToolsDir() (string, error) {
	if h.dirErr != nil {
		return "", h.dirErr
	}
	return h.dir, os.MkdirAll(h.dir, 0o755)
}

func (h *fakeHost) ListCompatTools() ([]steam.Descriptor, error) {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return nil, err
	}
	descs, err := steam.ScanTools(h.dir)
	if h.onScan != nil {
		h.onScan()
	}
	return descs, err
}

func (h *fakeHost) CompatToolMapping() (map[uint64]string, error) {
	return h.mapping, h.mapErr
}

func (h *fakeHost) InstalledGames() ([]steam.Game, error) {
	return h.games, nil
}

type fakeCatalog struct {
	mu        sync.Mutex
	releases  map[api.Flavor][]api.Release
	checkedAt time.Time
	calls     int
}

func (c *fakeCatalog) Get(_ context.Context, src flavor.Source, _ bool) catalog.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return catalog.Result{Releases: c.releases[src.Flavor], CheckedAt: c.checkedAt}
}

type harness struct {
	engine  *Engine
	host    *fakeHost
	catalog *fakeCatalog
	rec     *recorder
	runtime string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		host:    &fakeHost{dir: filepath.Join(root, "compatibilitytools.d")},
		catalog: &fakeCatalog{releases: map[api.Flavor][]api.Release{}},
		rec:     &recorder{},
		runtime: filepath.Join(root, "runtime"),
	}
	if err := os.MkdirAll(h.runtime, 0o755); err != nil {
		t.Fatal(err)
	}
	h.engine = New(Options{
		Store:       state.New(),
		Host:        h.host,
		Catalog:     h.catalog,
		Broadcaster: h.rec,
		RuntimeDir:  h.runtime,
		IdleBackoff: 10 * time.Millisecond,
	})
	return h
}

// addTool creates an installed tool directory.
func (h *harness) addTool(t *testing.T, dirName, internal, display string) string {
	t.Helper()
	dir := filepath.Join(h.host.dir, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := steam.WriteDescriptor(filepath.Join(dir, steam.DescriptorFile), internal, display); err != nil {
		t.Fatal(err)
	}
	return dir
}

func descriptorText(internal, display string) string {
	return fmt.Sprintf(`"compatibilitytools"
{
  "compat_tools"
  {
    "%s"
    {
      "install_path" "."
      "display_name" "%s"
      "from_oslist"  "windows"
      "to_oslist"    "linux"
    }
  }
}
`, internal, display)
}

// buildTar writes name->body files, creating parent directory entries.
func buildTar(t *testing.T, files map[string]string, dirs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, d := range dirs {
		if err := tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			t.Fatal(err)
		}
	}
	for name, body := range files {
		h := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func xzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// serveFiles serves each path's body with an explicit Content-Length.
func serveFiles(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func release(tag, downloadURL, contentType string) api.Release {
	return api.Release{
		URL:     "https://api.github.com/releases/" + tag,
		Name:    tag,
		TagName: tag,
		Assets: []api.Asset{
			{Name: tag + ".sha512sum", ContentType: "text/plain", BrowserDownloadURL: downloadURL + ".sha512sum"},
			{Name: tag + ".tar", ContentType: contentType, BrowserDownloadURL: downloadURL, Size: 1},
		},
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
