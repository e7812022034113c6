// Package archive unpacks compressed tarballs and copies directory trees.
package archive

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/decky-wine-cellar/wine-cask/internal/logging"
)

var log = logging.L("archive")

// Compression identifies the wrapper around a tar stream.
type Compression int

const (
	Unknown Compression = iota
	Gzip
	Xz
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Xz:
		return "xz"
	}
	return "unknown"
}

var ErrUnsupportedCompression = errors.New("unsupported archive compression")

// CompressionForContentType maps a release asset content type to a
// supported compression. Anything else is Unknown.
func CompressionForContentType(contentType string) Compression {
	switch contentType {
	case "application/gzip":
		return Gzip
	case "application/x-xz":
		return Xz
	}
	return Unknown
}

// Decompress wraps r with the decoder for c. Close the returned reader.
func Decompress(r io.Reader, c Compression) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	switch c {
	case Gzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return gr, nil
	case Xz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open xz stream: %w", err)
		}
		return io.NopCloser(xr), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, c)
}

// ExtractFile unpacks the compressed tarball at src into dest.
func ExtractFile(ctx context.Context, src string, c Compression, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return Extract(ctx, f, c, dest)
}

// Extract unpacks a compressed tar stream into dest. Entries that would land
// outside dest are rejected. ctx is checked between entries.
func Extract(ctx context.Context, r io.Reader, c Compression, dest string) error {
	dr, err := Decompress(r, c)
	if err != nil {
		return err
	}
	defer dr.Close()
	return Untar(ctx, dr, dest)
}

// Untar unpacks an uncompressed tar stream into dest. Every entry's parent
// directory is resolved through links already on disk, so a chain of
// extracted symlinks cannot redirect a later entry outside dest.
func Untar(ctx context.Context, r io.Reader, dest string) error {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	var files int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := entryPath(root, header.Name)
		if err != nil {
			return err
		}
		if target == root {
			continue
		}
		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := replaceLink(target); err != nil {
				return err
			}
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return fmt.Errorf("create dir %s: %w", target, err)
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := replaceLink(target); err != nil {
				return err
			}
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
			files++
		case tar.TypeSymlink:
			if err := symlink(root, target, header.Linkname); err != nil {
				return err
			}
		case tar.TypeLink:
			src, err := entryPath(root, header.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return fmt.Errorf("hardlink %s: %w", target, err)
			}
		default:
			log.Debug("skipping tar entry", "name", header.Name, "type", header.Typeflag)
		}
	}
	log.Debug("archive extracted", "dest", root, "files", files)
	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare file %s: %w", target, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	return nil
}

// replaceLink removes a symlink sitting where a file or directory entry is
// about to be written, so the write cannot follow it.
func replaceLink(target string) error {
	info, err := os.Lstat(target)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(target)
}

// symlink recreates a link whose target, resolved through links already on
// disk, stays inside root.
func symlink(root, target, linkname string) error {
	base := filepath.Dir(target)
	if filepath.IsAbs(linkname) {
		base = string(os.PathSeparator)
	}
	resolved, err := resolve(base, linkname)
	if err != nil || !inside(root, resolved) {
		return fmt.Errorf("symlink %s escapes archive root (-> %s)", target, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	os.Remove(target)
	if err := os.Symlink(linkname, target); err != nil {
		return fmt.Errorf("symlink %s: %w", target, err)
	}
	return nil
}

// entryPath maps a tar entry name to its location under root. The parent
// directory is resolved through existing links and must stay inside root.
func entryPath(root, name string) (string, error) {
	lexical := filepath.Join(root, filepath.FromSlash(name))
	if !inside(root, lexical) {
		return "", fmt.Errorf("tar entry %q escapes extraction root", name)
	}
	if lexical == root {
		return root, nil
	}
	rel, err := filepath.Rel(root, lexical)
	if err != nil {
		return "", err
	}
	parent, err := resolve(root, filepath.Dir(rel))
	if err != nil || !inside(root, parent) {
		return "", fmt.Errorf("tar entry %q escapes extraction root", name)
	}
	return filepath.Join(parent, filepath.Base(rel)), nil
}

// resolve walks rel from base one component at a time, following each
// symlink it meets the way the kernel would. Components that do not exist
// yet are taken literally.
func resolve(base, rel string) (string, error) {
	cur := base
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if cur, err = filepath.EvalSymlinks(cur); err != nil {
				return "", err
			}
		}
	}
	return cur, nil
}

func inside(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(os.PathSeparator))
}
