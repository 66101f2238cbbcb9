package binary

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ZebulonRouseFrantzich/keg/internal/platform"
)

// extractRatio bounds the total extracted size relative to the artifact cap.
const extractRatio = 8

// InstallConfig configures an Installer.
type InstallConfig struct {
	// MaxExtractSize bounds the bytes written while extracting one archive.
	// Default: DefaultMaxArtifactSize * 8.
	MaxExtractSize int64
	// FreeSpace reports free bytes on the filesystem holding a path.
	// Default: platform.FreeSpace.
	FreeSpace func(ctx context.Context, path string) (uint64, error)
}

// Installer extracts a verified archive and places its executable.
type Installer struct {
	maxExtract int64
	freeSpace  func(ctx context.Context, path string) (uint64, error)
}

// NewInstaller creates a new installer
func NewInstaller(cfg InstallConfig) *Installer {
	in := &Installer{
		maxExtract: cfg.MaxExtractSize,
		freeSpace:  cfg.FreeSpace,
	}
	if in.maxExtract <= 0 {
		in.maxExtract = DefaultMaxArtifactSize * extractRatio
	}
	if in.freeSpace == nil {
		in.freeSpace = platform.FreeSpace
	}
	return in
}

// Install extracts the tar.gz at artifactPath into a temporary directory next
// to it, finds binaryName inside, and atomically places it at
// targetDir/binaryName with mode 0755. The previous file at that path, if
// any, is replaced only once the new one is complete. All errors are
// *InstallError.
func (in *Installer) Install(ctx context.Context, artifactPath, binaryName, targetDir string) (string, error) {
	return in.install(ctx, artifactPath, binaryName, targetDir, "")
}

// install is Install with a fixed name for the temporary file in targetDir.
// An empty tempName picks a random one.
func (in *Installer) install(ctx context.Context, artifactPath, binaryName, targetDir, tempName string) (string, error) {
	root, err := os.MkdirTemp(filepath.Dir(artifactPath), "extract-*")
	if err != nil {
		return "", classifyFSError(filepath.Dir(artifactPath), fmt.Errorf("create extract dir: %w", err))
	}
	defer os.RemoveAll(root)

	if err := in.extract(ctx, artifactPath, root); err != nil {
		return "", err
	}

	src, err := findBinary(root, binaryName)
	if err != nil {
		return "", err
	}

	return in.commit(ctx, src, binaryName, targetDir, tempName)
}

// extract unpacks a .tar.gz archive under root. Entries that would land
// outside root, by name or through links extracted earlier, are rejected
// before anything is written for them. Every write goes through an os.Root.
func (in *Installer) extract(ctx context.Context, archivePath, root string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return classifyFSError(archivePath, fmt.Errorf("open archive: %w", err))
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return &InstallError{Kind: InstallIOError, Path: archivePath, Err: fmt.Errorf("create gzip reader: %w", err)}
	}
	defer gzipReader.Close()

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return classifyFSError(root, fmt.Errorf("resolve extract dir: %w", err))
	}
	dir, err := os.OpenRoot(realRoot)
	if err != nil {
		return classifyFSError(root, fmt.Errorf("open extract dir: %w", err))
	}
	defer dir.Close()

	tarReader := tar.NewReader(gzipReader)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return &InstallError{Kind: InstallIOError, Path: archivePath, Err: err}
		}

		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) && header != nil {
			return &InstallError{Kind: InstallPathTraversal, Path: archivePath, Entry: header.Name}
		}
		if err != nil {
			return &InstallError{Kind: InstallIOError, Path: archivePath, Err: fmt.Errorf("read tar header: %w", err)}
		}

		name, ok := localName(header.Name)
		if !ok {
			return &InstallError{Kind: InstallPathTraversal, Path: archivePath, Entry: header.Name}
		}
		if name == "." {
			continue
		}
		target := filepath.Join(realRoot, name)
		traversal := &InstallError{Kind: InstallPathTraversal, Path: archivePath, Entry: header.Name}

		switch header.Typeflag {
		case tar.TypeDir:
			if !insideRoot(realRoot, name) {
				return traversal
			}
			if err := dir.MkdirAll(name, 0755); err != nil {
				return classifyFSError(target, fmt.Errorf("create directory: %w", err))
			}

		case tar.TypeReg:
			if !insideRoot(realRoot, filepath.Dir(name)) {
				return traversal
			}
			if written+header.Size > in.maxExtract {
				return &InstallError{Kind: InstallDiskFull, Path: archivePath, Entry: header.Name,
					Err: fmt.Errorf("archive expands past %d bytes", in.maxExtract)}
			}
			n, err := writeEntry(dir, tarReader, name, header.FileInfo().Mode().Perm()|0600, in.maxExtract-written)
			written += n
			if err != nil {
				if written > in.maxExtract {
					return &InstallError{Kind: InstallDiskFull, Path: archivePath, Entry: header.Name,
						Err: fmt.Errorf("archive expands past %d bytes", in.maxExtract)}
				}
				return classifyFSError(target, err)
			}

		case tar.TypeSymlink:
			// Relative to the link's own directory, resolved on disk
			if filepath.IsAbs(header.Linkname) || strings.HasPrefix(header.Linkname, "/") {
				return traversal
			}
			parent := filepath.Dir(name)
			if !insideRoot(realRoot, parent) {
				return traversal
			}
			if !insideRoot(realRoot, parent+string(filepath.Separator)+filepath.FromSlash(header.Linkname)) {
				return traversal
			}
			if err := mkdirParent(dir, name); err != nil {
				return classifyFSError(target, err)
			}
			dir.Remove(name)
			if err := dir.Symlink(header.Linkname, name); err != nil {
				return classifyFSError(target, fmt.Errorf("create symlink: %w", err))
			}

		case tar.TypeLink:
			// Relative to the archive root
			linked, ok := localName(header.Linkname)
			if !ok || !insideRoot(realRoot, linked) || !insideRoot(realRoot, filepath.Dir(name)) {
				return traversal
			}
			if err := mkdirParent(dir, name); err != nil {
				return classifyFSError(target, err)
			}
			dir.Remove(name)
			if err := dir.Link(linked, name); err != nil {
				return classifyFSError(target, fmt.Errorf("create hard link: %w", err))
			}

		default:
			// Skip other types (char devices, block devices, FIFOs, etc.)
			continue
		}
	}
}

// insideRoot reports whether rel stays under root once the links already
// extracted there are followed. Components that do not exist yet are taken
// as plain directories. root must be a fully resolved path.
func insideRoot(root, rel string) bool {
	cur := root
	parts := strings.Split(rel, string(filepath.Separator))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			next := filepath.Join(cur, part)
			info, err := os.Lstat(next)
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
				cur = next
				break
			}
			if err != nil {
				return false
			}
			if info.Mode()&fs.ModeSymlink != 0 {
				// Dangling or looping links cannot be judged
				resolved, err := filepath.EvalSymlinks(next)
				if err != nil {
					return false
				}
				next = resolved
			}
			cur = next
		}
		if !within(root, cur) {
			return false
		}
	}
	return true
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || filepath.IsLocal(rel)
}

func mkdirParent(dir *os.Root, name string) error {
	parent := filepath.Dir(name)
	if parent == "." {
		return nil
	}
	if err := dir.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return nil
}

// writeEntry copies at most limit+1 bytes of r to a fresh file at name
// under dir. The returned count lets the caller detect an entry that
// outgrew the limit.
func writeEntry(dir *os.Root, r io.Reader, name string, mode os.FileMode, limit int64) (int64, error) {
	if err := mkdirParent(dir, name); err != nil {
		return 0, err
	}
	// A previous entry may have left a symlink here; never write through it
	dir.Remove(name)

	outFile, err := dir.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	n, err := io.Copy(outFile, io.LimitReader(r, limit+1))
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write file: %w", err)
	}
	if n > limit {
		return n, fmt.Errorf("entry exceeds remaining extract budget")
	}
	return n, nil
}

// localName cleans an archive path and reports whether it stays under the
// extraction root.
func localName(name string) (string, bool) {
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", false
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." {
		return clean, true
	}
	return clean, filepath.IsLocal(clean)
}

// findBinary returns the shallowest regular file named binaryName under root.
// WalkDir visits entries in lexical order, so ties go to the first name.
func findBinary(root, binaryName string) (string, error) {
	found := ""
	bestDepth := -1

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || d.Name() != binaryName {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		depth := strings.Count(rel, string(filepath.Separator))
		if bestDepth < 0 || depth < bestDepth {
			found, bestDepth = path, depth
		}
		return nil
	})
	if err != nil {
		return "", classifyFSError(root, fmt.Errorf("scan extracted files: %w", err))
	}
	if found == "" {
		return "", &InstallError{Kind: InstallBinaryNotFound, Entry: binaryName,
			Err: fmt.Errorf("binary %s not found in archive", binaryName)}
	}
	return found, nil
}

// commit copies src into targetDir under a temporary name on the same
// filesystem, then renames it over targetDir/binaryName.
func (in *Installer) commit(ctx context.Context, src, binaryName, targetDir, tempName string) (string, error) {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", classifyFSError(targetDir, fmt.Errorf("create target dir: %w", err))
	}

	info, err := os.Stat(src)
	if err != nil {
		return "", classifyFSError(src, err)
	}
	if free, err := in.freeSpace(ctx, targetDir); err == nil && free < uint64(info.Size()) {
		return "", &InstallError{Kind: InstallDiskFull, Path: targetDir,
			Err: fmt.Errorf("need %d bytes, %d available", info.Size(), free)}
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return "", classifyFSError(src, err)
	}
	defer srcFile.Close()

	var tmp *os.File
	if tempName == "" {
		tmp, err = os.CreateTemp(targetDir, ".keg-"+binaryName+"-*.tmp")
	} else {
		tmp, err = os.OpenFile(filepath.Join(targetDir, tempName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	}
	if err != nil {
		return "", classifyFSError(targetDir, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, srcFile); err != nil {
		return "", classifyFSError(tmpPath, fmt.Errorf("write binary: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return "", classifyFSError(tmpPath, fmt.Errorf("sync binary: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", classifyFSError(tmpPath, fmt.Errorf("close binary: %w", err))
	}

	// Set permissions to 0755 (rwxr-xr-x)
	if err := os.Chmod(tmpPath, 0755); err != nil {
		return "", classifyFSError(tmpPath, fmt.Errorf("set executable: %w", err))
	}

	finalPath := filepath.Join(targetDir, binaryName)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", classifyFSError(finalPath, fmt.Errorf("rename into place: %w", err))
	}
	committed = true

	return finalPath, nil
}

// classifyFSError maps a local filesystem failure to an InstallError.
func classifyFSError(path string, err error) *InstallError {
	kind := InstallIOError
	switch {
	case errors.Is(err, fs.ErrPermission):
		kind = InstallPermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		kind = InstallDiskFull
	}
	return &InstallError{Kind: kind, Path: path, Err: err}
}
