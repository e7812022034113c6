package cask

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/decky-wine-cellar/wine-cask/internal/httputil"
	"github.com/decky-wine-cellar/wine-cask/internal/logging"
	"github.com/decky-wine-cellar/wine-cask/pkg/api"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

const maxChecksumSize = 64 << 10

// checksumAsset returns the release's published SHA-512 file, if any.
func checksumAsset(rel api.Release) (api.Asset, bool) {
	for _, a := range rel.Assets {
		if strings.HasSuffix(a.Name, ".sha512sum") {
			return a, true
		}
	}
	return api.Asset{}, false
}

// expectedChecksum fetches a sha512sum file and returns its first field.
func (e *Engine) expectedChecksum(ctx context.Context, asset api.Asset) (string, error) {
	resp, err := httputil.Get(ctx, e.httpClient, asset.BrowserDownloadURL, nil, e.retry)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksum request failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumSize))
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file %s", asset.Name)
	}
	return strings.ToLower(fields[0]), nil
}

// verifyChecksum compares the file's SHA-512 against the release's published
// sum. A release without one passes; so does a sum that cannot be fetched.
func (e *Engine) verifyChecksum(ctx context.Context, rel api.Release, path string) error {
	asset, ok := checksumAsset(rel)
	if !ok {
		return nil
	}
	expected, err := e.expectedChecksum(ctx, asset)
	if err != nil {
		log.Warn("checksum unavailable, skipping verification", "asset", asset.Name, logging.KeyError, err)
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	hasher := sha512.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return err
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}
