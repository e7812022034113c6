// Package steam reads and writes the Steam client's on-disk state: the install
// root, the compatibility tools directory, per-tool descriptors, the
// compat-tool mapping and installed games.
package steam

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
)

var log = logging.L("steam")

const compatToolsDirName = "compatibilitytools.d"

var (
	ErrRootNotFound   = errors.New("steam install root not found")
	ErrConfigNotFound = errors.New("steam config.vdf not found")
	ErrMissingEntry   = errors.New("vdf entry missing")
)

// rootCandidates are tried in order below the user's home directory.
var rootCandidates = []string{
	".local/share/Steam",
	".steam/root",
	".steam/steam",
	".steam/debian-installation",
	".var/app/com.valvesoftware.Steam/data/Steam",
}

// FindRoot returns the first candidate under home holding config/config.vdf.
func FindRoot(home string) (string, error) {
	if home == "" {
		return "", fmt.Errorf("%w: no home directory", ErrRootNotFound)
	}
	log.Info("looking for steam install", "home", home)
	for _, rel := range rootCandidates {
		dir := filepath.Join(home, rel)
		if info, err := os.Stat(filepath.Join(dir, "config", "config.vdf")); err == nil && info.Mode().IsRegular() {
			log.Info("found steam install", "root", dir)
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w under %s", ErrRootNotFound, home)
}

// Steam is a handle on one Steam install root.
type Steam struct {
	root string
}

func New(root string) *Steam {
	return &Steam{root: root}
}

func (s *Steam) Root() string {
	return s.root
}

// CompatToolsDir returns the compatibility tools directory, creating it if
// the client has not done so yet.
func (s *Steam) CompatToolsDir() (string, error) {
	dir := filepath.Join(s.root, compatToolsDirName)
	info, err := os.Stat(dir)
	switch {
	case err == nil && info.IsDir():
		return dir, nil
	case err == nil:
		return "", fmt.Errorf("%s exists and is not a directory", dir)
	case !errors.Is(err, os.ErrNotExist):
		return "", err
	}
	log.Warn("compatibility tools directory does not exist, creating it", "path", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}
