package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Kind is the artifact container format
type Kind string

const (
	KindFile   Kind = "file"
	KindTar    Kind = "tar"
	KindTarGz  Kind = "tar.gz"
	KindTarZst Kind = "tar.zst"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ErrUnsafePath is returned for archive entries that would land outside the
// payload directory.
var ErrUnsafePath = errors.New("unsafe path in archive")

// DetectKind infers the container format from the filename, falling back
// to the tar header magic for unnamed uploads.
func DetectKind(filename string, data []byte) Kind {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.zst") || strings.HasSuffix(lower, ".tzst"):
		if bytes.HasPrefix(data, zstdMagic) {
			return KindTarZst
		}
	case strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz"):
		if bytes.HasPrefix(data, gzipMagic) {
			return KindTarGz
		}
	case strings.HasSuffix(lower, ".tar"):
		return KindTar
	}
	if len(data) >= 262 && string(data[257:262]) == "ustar" {
		return KindTar
	}
	return KindFile
}

// Extract unpacks data of the given kind into dir, which must exist.
// A plain file is stored as dir/<base of filename>. Every write goes through
// an os.Root on dir, and no entry may be placed below a symlink, so nothing
// in the archive can reach outside dir. Modes are set explicitly and do not
// depend on the umask.
func Extract(ctx context.Context, kind Kind, filename string, data []byte, dir string) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("open payload dir: %w", err)
	}
	defer root.Close()

	switch kind {
	case KindTar:
		return extractTar(ctx, bytes.NewReader(data), root)

	case KindTarGz:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		return extractTar(ctx, zr, root)

	case KindTarZst:
		decoder, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("zstd reader: %w", err)
		}
		defer decoder.Close()
		return extractTar(ctx, decoder, root)

	default:
		name := filepath.Base(filepath.Clean("/" + filepath.ToSlash(filename)))
		if name == "/" || name == "." {
			name = BlobFileName
		}
		if err := root.WriteFile(name, data, 0o644); err != nil {
			return err
		}
		return root.Chmod(name, 0o644)
	}
}

func extractTar(ctx context.Context, r io.Reader, root *os.Root) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, header.Name)
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		name := strings.TrimPrefix(filepath.ToSlash(header.Name), "./")
		name = strings.TrimSuffix(name, "/")
		if name == "" || name == "." {
			continue
		}
		local := filepath.FromSlash(name)
		if !filepath.IsLocal(local) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, header.Name)
		}
		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			if err := makeParents(root, local); err != nil {
				return err
			}
			if mode == 0 {
				mode = 0o755
			}
			if err := makeDir(root, local, mode|0o700); err != nil {
				return err
			}
			if err := root.Chmod(local, mode|0o700); err != nil {
				return fmt.Errorf("chmod %q: %w", name, err)
			}

		case tar.TypeReg:
			if err := makeParents(root, local); err != nil {
				return err
			}
			if err := refuseSymlink(root, local); err != nil {
				return err
			}
			if mode == 0 {
				mode = 0o644
			}
			file, err := root.OpenFile(local, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return fmt.Errorf("create %q: %w", name, err)
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return fmt.Errorf("write %q: %w", name, err)
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("close %q: %w", name, err)
			}
			if err := root.Chmod(local, mode); err != nil {
				return fmt.Errorf("chmod %q: %w", name, err)
			}

		case tar.TypeSymlink:
			// The parents are real directories (makeParents), so the lexical
			// check below matches where the link resolves on disk
			if err := makeParents(root, local); err != nil {
				return err
			}
			resolved := filepath.Join(filepath.Dir(local), filepath.FromSlash(header.Linkname))
			if filepath.IsAbs(header.Linkname) || !filepath.IsLocal(resolved) {
				return fmt.Errorf("%w: symlink %q -> %q", ErrUnsafePath, header.Name, header.Linkname)
			}
			if err := root.Symlink(header.Linkname, local); err != nil {
				return fmt.Errorf("symlink %q: %w", name, err)
			}

		default:
			// hard links, devices and fifos are not part of a payload
		}
	}
}

// makeParents creates the missing parent directories of name. An existing
// parent that is a symlink or a file rejects the entry.
func makeParents(root *os.Root, name string) error {
	parent := filepath.Dir(name)
	if parent == "." {
		return nil
	}
	var path string
	for _, part := range strings.Split(parent, string(filepath.Separator)) {
		path = filepath.Join(path, part)
		if err := makeDir(root, path, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func makeDir(root *os.Root, name string, mode os.FileMode) error {
	info, err := root.Lstat(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := root.Mkdir(name, mode); err != nil {
			return fmt.Errorf("mkdir %q: %w", name, err)
		}
		if err := root.Chmod(name, mode); err != nil {
			return fmt.Errorf("chmod %q: %w", name, err)
		}
	case err != nil:
		return fmt.Errorf("stat %q: %w", name, err)
	case info.Mode()&os.ModeSymlink != 0:
		return fmt.Errorf("%w: %q is below a symlink", ErrUnsafePath, name)
	case !info.IsDir():
		return fmt.Errorf("%w: %q is not a directory", ErrUnsafePath, name)
	}
	return nil
}

// refuseSymlink rejects a regular entry that would write through an
// existing link
func refuseSymlink(root *os.Root, name string) error {
	info, err := root.Lstat(name)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %q overwrites a symlink", ErrUnsafePath, name)
	}
	return nil
}
