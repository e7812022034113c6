package steam

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DescriptorFile names the package descriptor every tool directory carries.
const DescriptorFile = "compatibilitytool.vdf"

// Descriptor is one installed tool as described by its compatibilitytool.vdf.
type Descriptor struct {
	Path          string
	DirectoryName string
	InternalName  string
	DisplayName   string
	FromOSList    string
	ToOSList      string
}

// HasDescriptor reports whether dir directly contains a descriptor file.
func HasDescriptor(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, DescriptorFile))
	return err == nil && info.Mode().IsRegular()
}

// ReadDescriptor parses the descriptor at file. The tool's path is the
// descriptor's parent directory.
func ReadDescriptor(file string) (Descriptor, error) {
	doc, err := parseFile(file)
	if err != nil {
		return Descriptor{}, err
	}
	tools, err := lookup(doc, "compatibilitytools", "compat_tools")
	if err != nil {
		return Descriptor{}, err
	}
	internal, block, ok := first(tools)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: no tool block in %s", ErrMissingEntry, file)
	}

	d := Descriptor{
		Path:          filepath.Dir(file),
		DirectoryName: filepath.Base(filepath.Dir(file)),
		InternalName:  internal,
	}
	var missing []string
	if d.DisplayName, ok = str(block, "display_name"); !ok {
		missing = append(missing, "display_name")
	}
	if d.FromOSList, ok = str(block, "from_oslist"); !ok {
		missing = append(missing, "from_oslist")
	}
	if d.ToOSList, ok = str(block, "to_oslist"); !ok {
		missing = append(missing, "to_oslist")
	}
	if len(missing) > 0 {
		return Descriptor{}, fmt.Errorf("%w: %v in %s", ErrMissingEntry, missing, file)
	}
	return d, nil
}

// WriteDescriptor writes a descriptor for a Windows-to-Linux tool whose
// files live next to it.
func WriteDescriptor(file, internalName, displayName string) error {
	doc := fmt.Sprintf(`"compatibilitytools"
{
  "compat_tools"
  {
    %s
    {
      "install_path" "."
      "display_name" %s
      "from_oslist"  "windows"
      "to_oslist"    "linux"
    }
  }
}
`, quote(internalName), quote(displayName))
	return os.WriteFile(file, []byte(doc), 0o644)
}

// ListCompatTools reads every tool directory below CompatToolsDir. Broken
// descriptors are logged and skipped.
func (s *Steam) ListCompatTools() ([]Descriptor, error) {
	dir, err := s.CompatToolsDir()
	if err != nil {
		return nil, err
	}
	return ScanTools(dir)
}

// ScanTools reads the descriptor of every immediate subdirectory of dir.
func ScanTools(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, e := range entries {
		full := filepath.Join(dir, e.Name())
		if !isDir(e, full) || !HasDescriptor(full) {
			continue
		}
		d, err := ReadDescriptor(filepath.Join(full, DescriptorFile))
		if err != nil {
			log.Error("error reading compatibility tool descriptor", "path", full, "error", err)
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// isDir follows symlinks; users sometimes link tools in from elsewhere.
func isDir(e os.DirEntry, full string) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(full)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("cannot follow symlink", "path", full, "error", err)
		}
		return false
	}
	return info.IsDir()
}
