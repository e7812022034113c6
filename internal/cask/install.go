package cask

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/decky-wine-cellar/wine-cask/internal/archive"
	"github.com/decky-wine-cellar/wine-cask/internal/flavor"
	"github.com/decky-wine-cellar/wine-cask/internal/httputil"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/internal/metrics"
	"github.com/decky-wine-cellar/wine-cask/internal/state"
	"github.com/decky-wine-cellar/wine-cask/internal/steam"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

const (
	msgDownloadFailed = "Connection Error: Download in progress failed!"
	chunkSize         = 64 << 10
)

// selectAsset returns the first asset whose content type is a supported
// tarball compression.
func selectAsset(rel api.Release) (api.Asset, archive.Compression, bool) {
	for _, a := range rel.Assets {
		if c := archive.CompressionForContentType(a.ContentType); c != archive.Unknown {
			return a, c, true
		}
	}
	return api.Asset{}, archive.Unknown, false
}

func compressType(c archive.Compression) api.CompressionType {
	switch c {
	case archive.Gzip:
		return api.CompressionGzip
	case archive.Xz:
		return api.CompressionXz
	}
	return api.CompressionUnknown
}

// Install runs the full pipeline for one release: download, extract, locate
// the package directory, relabel secondary flavors and copy into the compat
// tools directory. The in-progress job is always cleared on return and the
// staging area always removed.
func (e *Engine) Install(ctx context.Context, req api.Install) error {
	ctx = withContext(ctx, logging.KeyFlavor, req.Flavor, logging.KeyRelease, req.Release.TagName)
	logger := logging.FromContext(ctx)
	start := e.now()

	src, ok := flavor.Lookup(req.Flavor)
	if !ok {
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultRejected)
		e.notify(fmt.Sprintf("Error: Unknown flavor %s", req.Flavor))
		return fmt.Errorf("%w: %s", ErrUnknownFlavor, req.Flavor)
	}
	asset, compression, ok := selectAsset(req.Release)
	if !ok {
		logger.Warn("no installable asset in release")
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultRejected)
		e.notify(fmt.Sprintf("Error: No installable archive found for %s", req.Release.Name))
		return ErrNoInstallableAsset
	}
	installDir, err := e.host.CompatToolsDir()
	if err != nil {
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultFailed)
		e.notify(fmt.Sprintf("Installation Failed: %s: %v", req.Release.Name, err))
		return err
	}
	if err := e.preflight(installDir, asset.Size); err != nil {
		logger.Warn("preflight failed", logging.KeyError, err)
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultRejected)
		e.notify(fmt.Sprintf("Error: Not enough free space to install %s", req.Release.Name))
		return err
	}

	e.store.SetJob(api.QueueCompatibilityTool{
		Flavor:       req.Flavor,
		Name:         req.Release.TagName,
		URL:          asset.BrowserDownloadURL,
		State:        api.JobDownloading,
		CompressType: compressType(compression),
	})
	e.broadcastState()
	defer func() {
		e.store.ClearJob()
		e.broadcastState()
	}()

	archivePath, cancelled, err := e.download(ctx, asset.BrowserDownloadURL)
	if archivePath != "" {
		defer removeLogged(archivePath)
	}
	switch {
	case cancelled:
		logger.Info("install cancelled during download")
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultCancelled)
		return context.Canceled
	case err != nil:
		logger.Error(msgDownloadFailed, logging.KeyError, err)
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultFailed)
		e.notify(msgDownloadFailed)
		return err
	}

	if err := e.verifyChecksum(ctx, req.Release, archivePath); err != nil {
		logger.Error("download failed verification", logging.KeyError, err)
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultFailed)
		e.notify(fmt.Sprintf("Installation Failed: %s: %v", req.Release.Name, err))
		return err
	}

	// A cancel accepted after the last chunk still wins; extraction is the
	// only phase that ignores it.
	cancelled = false
	e.store.Update(func(s *state.State) {
		if s.InProgress == nil || s.InProgress.State == api.JobCancelling {
			cancelled = true
			return
		}
		s.InProgress.State = api.JobExtracting
		s.InProgress.Progress = 0
	})
	if cancelled {
		logger.Info("install cancelled before extraction")
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultCancelled)
		return context.Canceled
	}
	e.broadcastState()

	if err := e.unpack(ctx, src, req.Release, archivePath, compression, installDir); err != nil {
		logger.Error("installation failed", logging.KeyError, err)
		e.metrics.IncInstall(string(req.Flavor), metrics.ResultFailed)
		e.notify(fmt.Sprintf("Installation Failed: %s: %v", req.Release.Name, err))
		return err
	}

	if err := e.Reconcile(ctx); err != nil {
		logger.Error("reconcile after install failed", logging.KeyError, err)
	}
	e.metrics.IncInstall(string(req.Flavor), metrics.ResultCompleted)
	logger.Info("installation completed", logging.KeyDurationMs, e.now().Sub(start).Milliseconds())
	e.notify(fmt.Sprintf("Installation Completed: %s", req.Release.Name))
	return nil
}

// preflight rejects an install whose archive cannot fit on the install
// filesystem. An unknown size or an unreadable filesystem passes.
func (e *Engine) preflight(installDir string, size uint64) error {
	if e.freeFactor <= 0 || size == 0 {
		return nil
	}
	free, err := e.diskFree(installDir)
	if err != nil {
		log.Warn("could not read free disk space", "path", installDir, logging.KeyError, err)
		return nil
	}
	need := uint64(float64(size) * e.freeFactor)
	if free < need {
		return fmt.Errorf("%w: %d bytes free, %d needed", ErrInsufficientSpace, free, need)
	}
	return nil
}

// download streams url into a temp file under the runtime dir, publishing
// integer progress as it changes. Before each chunk is written the live job is
// checked for a cancellation request. A stream with no data for the idle
// timeout fails with ErrDownloadStalled.
func (e *Engine) download(ctx context.Context, url string) (path string, cancelled bool, err error) {
	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	idle := time.AfterFunc(e.idleTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer idle.Stop()

	resp, err := httputil.Get(dlCtx, e.httpClient, url, nil, e.retry)
	if err != nil {
		return "", false, stallErr(&stalled, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	f, err := os.CreateTemp(e.runtimeDir, "download-*.tar")
	if err != nil {
		return "", false, err
	}
	path = f.Name()
	defer f.Close()

	total := resp.ContentLength
	var downloaded int64
	var lastProgress uint8
	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		idle.Reset(e.idleTimeout)
		if e.cancelRequested() {
			return path, true, nil
		}
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return path, false, err
			}
			downloaded += int64(n)
			e.metrics.AddDownloadBytes(n)
			if p := progress(downloaded, total); p != lastProgress {
				lastProgress = p
				e.setProgress(p)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return path, false, stallErr(&stalled, readErr)
		}
	}
	if err := f.Close(); err != nil {
		return path, false, err
	}
	return path, false, nil
}

func stallErr(stalled *atomic.Bool, err error) error {
	if stalled.Load() {
		return fmt.Errorf("%w: %v", ErrDownloadStalled, err)
	}
	return err
}

// progress is floor(downloaded/total*100); zero while total is unknown.
func progress(downloaded, total int64) uint8 {
	if total <= 0 {
		return 0
	}
	p := downloaded * 100 / total
	if p > 100 {
		p = 100
	}
	return uint8(p)
}

func (e *Engine) setProgress(p uint8) {
	changed := false
	e.store.Update(func(s *state.State) {
		if s.InProgress != nil && s.InProgress.State == api.JobDownloading {
			s.InProgress.Progress = p
			changed = true
		}
	})
	if changed {
		e.broadcastState()
	}
}

// cancelRequested reports whether the live job was flagged or removed.
func (e *Engine) cancelRequested() bool {
	job, ok := e.store.Job()
	return !ok || job.State == api.JobCancelling
}

// unpack extracts the archive into a staging dir, relabels a secondary-flavor
// package and copies it into installDir. Cancellation is not honored here.
func (e *Engine) unpack(ctx context.Context, src flavor.Source, rel api.Release, archivePath string, c archive.Compression, installDir string) error {
	staging, err := os.MkdirTemp(e.runtimeDir, "staging-*")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Warn("failed to remove staging dir", "path", staging, logging.KeyError, err)
		}
	}()

	started := time.Now()
	extract := func(taskCtx context.Context) error {
		return archive.ExtractFile(taskCtx, archivePath, c, staging)
	}
	if e.extractor != nil {
		err = e.extractor.Do(context.WithoutCancel(ctx), extract)
	} else {
		err = extract(context.WithoutCancel(ctx))
	}
	e.metrics.ObserveExtractSeconds(time.Since(started).Seconds())
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	pkg, err := packageDir(staging)
	if err != nil {
		return err
	}
	if src.RequiresRelabel() {
		if pkg, err = relabel(pkg, src, rel.TagName); err != nil {
			return err
		}
	}

	dest := filepath.Join(installDir, filepath.Base(pkg))
	_, statErr := os.Lstat(dest)
	existed := statErr == nil
	if err := archive.CopyDir(pkg, dest); err != nil {
		if !existed {
			removeLogged(dest)
		}
		return fmt.Errorf("copy into %s: %w", installDir, err)
	}
	return nil
}

// packageDir finds the single immediate child of staging that carries a
// compatibility tool descriptor.
func packageDir(staging string) (string, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", err
	}
	var found []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(staging, entry.Name())
		if steam.HasDescriptor(dir) {
			found = append(found, dir)
		}
	}
	if len(found) != 1 {
		return "", fmt.Errorf("%w: found %d", ErrPackageLayout, len(found))
	}
	return found[0], nil
}

// relabel rewrites the descriptor with flavor-prefixed names and renames the
// package directory to the internal name.
func relabel(pkg string, src flavor.Source, tag string) (string, error) {
	internal := src.InternalName(tag)
	if err := steam.WriteDescriptor(filepath.Join(pkg, steam.DescriptorFile), internal, src.DisplayName(tag)); err != nil {
		return "", fmt.Errorf("write descriptor: %w", err)
	}
	renamed := filepath.Join(filepath.Dir(pkg), internal)
	if renamed == pkg {
		return pkg, nil
	}
	if err := os.Rename(pkg, renamed); err != nil {
		return "", fmt.Errorf("rename package dir: %w", err)
	}
	return renamed, nil
}

func removeLogged(path string) {
	if err := os.RemoveAll(path); err != nil {
		log.Warn("cleanup failed", "path", path, logging.KeyError, err)
	}
}
