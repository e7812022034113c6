package cask

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

func TestInstallVerifiesPublishedChecksum(t *testing.T) {
	data := protonArchive(t, "GE-Proton9-1")
	sum := sha512.Sum512(data)
	good := hex.EncodeToString(sum[:]) + "  GE-Proton9-1.tar.gz\n"

	cases := []struct {
		name    string
		sumFile string
		wantErr error
	}{
		{"match", good, nil},
		{"mismatch", "deadbeef  GE-Proton9-1.tar.gz\n", ErrChecksumMismatch},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			srv := serveFiles(t, map[string][]byte{
				"/GE-Proton9-1.tar.gz":           data,
				"/GE-Proton9-1.tar.gz.sha512sum": []byte(c.sumFile),
			})
			rel := release("GE-Proton9-1", srv.URL+"/GE-Proton9-1.tar.gz", "application/gzip")

			err := h.engine.Install(context.Background(), api.Install{Flavor: api.FlavorProtonGE, Release: rel})
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("Install = %v, want %v", err, c.wantErr)
			}
			installed := len(dirEntries(t, h.host.dir)) == 1
			if installed != (c.wantErr == nil) {
				t.Fatalf("installed = %v with err %v", installed, err)
			}
			if left := dirEntries(t, h.runtime); len(left) != 0 {
				t.Errorf("runtime dir not cleaned up: %v", left)
			}
		})
	}
}

func TestChecksumAsset(t *testing.T) {
	rel := api.Release{Assets: []api.Asset{{Name: "GE-Proton9-1.tar.gz"}, {Name: "GE-Proton9-1.sha512sum"}}}
	a, ok := checksumAsset(rel)
	if !ok || a.Name != "GE-Proton9-1.sha512sum" {
		t.Fatalf("checksumAsset = %+v, %v", a, ok)
	}
	if _, ok := checksumAsset(api.Release{}); ok {
		t.Fatal("release without a sum file reported one")
	}
}

func TestInstallCancelledWhileVerifying(t *testing.T) {
	h := newHarness(t)
	data := protonArchive(t, "GE-Proton9-1")
	sum := sha512.Sum512(data)
	sumRequested := make(chan struct{})
	unblock := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".sha512sum") {
			close(sumRequested)
			<-unblock
			_, _ = w.Write([]byte(hex.EncodeToString(sum[:]) + "  GE-Proton9-1.tar.gz\n"))
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	rel := release("GE-Proton9-1", srv.URL+"/GE-Proton9-1.tar.gz", "application/gzip")
	install := api.Install{Flavor: api.FlavorProtonGE, Release: rel}
	done := make(chan error, 1)
	go func() { done <- h.engine.Install(context.Background(), install) }()

	<-sumRequested
	h.engine.Cancel(context.Background(), install)
	close(unblock)

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Install = %v, want context.Canceled", err)
	}
	if got := dirEntries(t, h.host.dir); len(got) != 0 {
		t.Errorf("compat tools dir changed: %v", got)
	}
	if !h.rec.hasNotification(msgCancellingActive) {
		t.Errorf("notifications = %v", h.rec.notifications())
	}
	if h.rec.hasNotification("Installation Completed: GE-Proton9-1") {
		t.Error("cancelled install reported completion")
	}
	for _, st := range h.rec.states() {
		if st.InProgress != nil && st.InProgress.State == api.JobExtracting {
			t.Fatal("cancelled install reached extraction")
		}
	}
	if _, ok := h.engine.Store().Job(); ok {
		t.Error("job not cleared after cancellation")
	}
}
