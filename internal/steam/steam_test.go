package steam

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const configVDF = `"InstallConfigStore"
{
	"Software"
	{
		"valve"
		{
			"Steam"
			{
				"CompatToolMapping"
				{
					"0"
					{
						"name"		"GE-Proton9-1"
						"config"		""
						"priority"		"75"
					}
					"620"
					{
						"name"		"Luxtorpedav60.0"
						"config"		""
						"priority"		"250"
					}
					"730"
					{
						"name"		""
						"config"		""
						"priority"		"250"
					}
				}
			}
		}
	}
}
`

func fakeSteam(t *testing.T) (home, root string) {
	t.Helper()
	home = t.TempDir()
	root = filepath.Join(home, ".steam", "steam")
	writeFile(t, filepath.Join(root, "config", "config.vdf"), configVDF)

	library := filepath.Join(home, "games")
	writeFile(t, filepath.Join(root, "steamapps", "libraryfolders.vdf"), `"libraryfolders"
{
	"0"
	{
		"path"		"`+root+`"
		"label"		""
	}
	"1"
	{
		"path"		"`+library+`"
	}
}
`)
	writeFile(t, filepath.Join(root, "steamapps", "appmanifest_620.acf"), `"AppState"
{
	"appid"		"620"
	"name"		"Portal 2"
	"StateFlags"		"4"
}
`)
	writeFile(t, filepath.Join(library, "steamapps", "appmanifest_1091500.acf"), `"AppState"
{
	"appid"		"1091500"
	"name"		"Cyberpunk 2077"
}
`)
	writeFile(t, filepath.Join(library, "steamapps", "appmanifest_bad.acf"), `"AppState" { "name" "no id" }`)
	return home, root
}

func TestFindRoot(t *testing.T) {
	home, root := fakeSteam(t)
	got, err := FindRoot(home)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if got != root {
		t.Fatalf("FindRoot = %q, want %q", got, root)
	}

	// .local/share/Steam is preferred when both exist.
	preferred := filepath.Join(home, ".local", "share", "Steam")
	writeFile(t, filepath.Join(preferred, "config", "config.vdf"), configVDF)
	if got, _ := FindRoot(home); got != preferred {
		t.Fatalf("FindRoot = %q, want %q", got, preferred)
	}
}

func TestFindRootMissing(t *testing.T) {
	if _, err := FindRoot(t.TempDir()); !errors.Is(err, ErrRootNotFound) {
		t.Fatalf("expected ErrRootNotFound, got %v", err)
	}
}

func TestCompatToolsDirCreated(t *testing.T) {
	_, root := fakeSteam(t)
	dir, err := New(root).CompatToolsDir()
	if err != nil {
		t.Fatalf("CompatToolsDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("compat tools dir not created: %v", err)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Boxtron0.5.4")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, DescriptorFile)
	if err := WriteDescriptor(file, "Boxtron0.5.4", "Boxtron 0.5.4"); err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}

	d, err := ReadDescriptor(file)
	if err != nil {
		t.Fatalf("ReadDescriptor: %v", err)
	}
	want := Descriptor{
		Path:          dir,
		DirectoryName: "Boxtron0.5.4",
		InternalName:  "Boxtron0.5.4",
		DisplayName:   "Boxtron 0.5.4",
		FromOSList:    "windows",
		ToOSList:      "linux",
	}
	if d != want {
		t.Fatalf("descriptor = %+v, want %+v", d, want)
	}
}

func TestReadDescriptorMissingFields(t *testing.T) {
	file := filepath.Join(t.TempDir(), "Tool", DescriptorFile)
	writeFile(t, file, `"compatibilitytools" { "compat_tools" { "Tool" { "install_path" "." } } }`)
	if _, err := ReadDescriptor(file); !errors.Is(err, ErrMissingEntry) {
		t.Fatalf("expected ErrMissingEntry, got %v", err)
	}
}

func TestScanToolsSkipsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "GE-Proton9-1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := WriteDescriptor(filepath.Join(dir, "GE-Proton9-1", DescriptorFile), "GE-Proton9-1", "GE-Proton9-1"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "broken", DescriptorFile), `"compatibilitytools" {}`)
	writeFile(t, filepath.Join(dir, "no-descriptor", "README"), "nothing")
	writeFile(t, filepath.Join(dir, "stray-file"), "x")

	tools, err := ScanTools(dir)
	if err != nil {
		t.Fatalf("ScanTools: %v", err)
	}
	if len(tools) != 1 || tools[0].InternalName != "GE-Proton9-1" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestCompatToolMapping(t *testing.T) {
	_, root := fakeSteam(t)
	m, err := New(root).CompatToolMapping()
	if err != nil {
		t.Fatalf("CompatToolMapping: %v", err)
	}
	if len(m) != 2 {
		t.Fatalf("mapping = %v, want 2 entries", m)
	}
	if m[620] != "Luxtorpedav60.0" || m[0] != "GE-Proton9-1" {
		t.Fatalf("mapping = %v", m)
	}
}

func TestCompatToolMappingMissingConfig(t *testing.T) {
	if _, err := New(t.TempDir()).CompatToolMapping(); !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestInstalledGames(t *testing.T) {
	_, root := fakeSteam(t)
	games, err := New(root).InstalledGames()
	if err != nil {
		t.Fatalf("InstalledGames: %v", err)
	}
	sort.Slice(games, func(i, j int) bool { return games[i].AppID < games[j].AppID })
	if len(games) != 2 {
		t.Fatalf("games = %+v, want 2", games)
	}
	if games[0] != (Game{AppID: 620, Name: "Portal 2"}) || games[1].Name != "Cyberpunk 2077" {
		t.Fatalf("games = %+v", games)
	}
}
