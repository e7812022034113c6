package steam

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Game is an installed Steam app.
type Game struct {
	AppID uint64 `yaml:"appid"`
	Name  string `yaml:"name"`
}

// CompatToolMapping returns appid → tool name as configured in the client.
// Entries with an empty tool name are skipped.
func (s *Steam) CompatToolMapping() (map[uint64]string, error) {
	file := filepath.Join(s.root, "config", "config.vdf")
	doc, err := parseFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, file)
		}
		return nil, err
	}

	mapping, err := lookup(doc, "InstallConfigStore", "Software", "Valve", "Steam", "CompatToolMapping")
	if err != nil {
		return nil, err
	}

	out := make(map[uint64]string, len(mapping))
	for key, v := range mapping {
		appID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: appid %q is not numeric", ErrMissingEntry, key)
		}
		entry, ok := v.(node)
		if !ok {
			return nil, fmt.Errorf("%w: mapping for %d is not an object", ErrMissingEntry, appID)
		}
		name, ok := str(entry, "name")
		if !ok {
			return nil, fmt.Errorf("%w: mapping for %d has no name", ErrMissingEntry, appID)
		}
		if name != "" {
			out[appID] = name
		}
	}
	return out, nil
}

// LibraryFolders lists every library root from steamapps/libraryfolders.vdf.
func (s *Steam) LibraryFolders() ([]string, error) {
	file := filepath.Join(s.root, "steamapps", "libraryfolders.vdf")
	doc, err := parseFile(file)
	if err != nil {
		return nil, err
	}
	_, folders, ok := first(doc)
	if !ok {
		return nil, fmt.Errorf("%w: libraryfolders", ErrMissingEntry)
	}

	keys := make([]string, 0, len(folders))
	for k := range folders {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		entry, ok := folders[k].(node)
		if !ok {
			// Old format: "1" "/path/to/library"
			if p, ok := folders[k].(string); ok && isIndex(k) && p != "" {
				out = append(out, p)
			}
			continue
		}
		if p, ok := str(entry, "path"); ok && p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// InstalledGames reads app manifests in every library. A broken library is
// logged and skipped so one bad disk does not hide the rest.
func (s *Steam) InstalledGames() ([]Game, error) {
	folders, err := s.LibraryFolders()
	if err != nil {
		return nil, err
	}

	var games []Game
	for _, folder := range folders {
		apps := filepath.Join(folder, "steamapps")
		found, err := readManifests(apps)
		if err != nil {
			log.Error("failed to read library folder", "path", apps, "error", err)
			continue
		}
		games = append(games, found...)
	}
	return games, nil
}

func readManifests(dir string) ([]Game, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var games []Game
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".acf") {
			continue
		}
		g, err := ReadAppManifest(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Error("error reading app manifest", "path", e.Name(), "error", err)
			continue
		}
		games = append(games, g)
	}
	return games, nil
}

// ReadAppManifest parses one appmanifest_*.acf.
func ReadAppManifest(file string) (Game, error) {
	doc, err := parseFile(file)
	if err != nil {
		return Game{}, err
	}
	app, ok := child(doc, "AppState")
	if !ok {
		return Game{}, fmt.Errorf("%w: AppState in %s", ErrMissingEntry, file)
	}
	rawID, ok := str(app, "appid")
	if !ok {
		return Game{}, fmt.Errorf("%w: appid in %s", ErrMissingEntry, file)
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return Game{}, fmt.Errorf("%w: appid %q in %s", ErrMissingEntry, rawID, file)
	}
	name, ok := str(app, "name")
	if !ok {
		return Game{}, fmt.Errorf("%w: name in %s", ErrMissingEntry, file)
	}
	return Game{AppID: id, Name: name}, nil
}

func isIndex(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
