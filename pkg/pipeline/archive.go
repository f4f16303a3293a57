// Package pipeline turns an uploaded archive into a published artifact: it
// inspects and extracts the upload, validates its contents, generates the
// manifest and install scripts, zips the canonical artifact, charges the
// author's quota, uploads the result, and commits the version status.
package pipeline

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xpkg-net/registry/pkg/registry"
)

// Failure carries the terminal status a pipeline step decided on. Anything
// else that goes wrong becomes StatusFailedServer.
type Failure struct {
	Status registry.VersionStatus
}

func (f *Failure) Error() string {
	return "pipeline failure: " + string(f.Status)
}

func fail(status registry.VersionStatus) error {
	return &Failure{Status: status}
}

// macosxDir is the resource-fork directory macOS zips smuggle in.
const macosxDir = "__MACOSX"

// chaffFiles are OS droppings deleted silently during validation.
var chaffFiles = map[string]bool{
	".DS_Store":   true,
	"desktop.ini": true,
}

// Inspection summarizes an archive before extraction.
type Inspection struct {
	UnzippedSize int64
	// MACOSXOnly is set when the archive's only root entry is __MACOSX.
	MACOSXOnly bool
}

// InspectArchive lists the archive out of band: total uncompressed size and
// the __MACOSX-only condition, without extracting anything.
func InspectArchive(path string) (*Inspection, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	var insp Inspection
	roots := make(map[string]bool)
	for _, f := range r.File {
		insp.UnzippedSize += int64(f.UncompressedSize64)
		name := strings.TrimPrefix(f.Name, "./")
		if name == "" {
			continue
		}
		root, _, _ := strings.Cut(name, "/")
		roots[root] = true
	}

	insp.MACOSXOnly = len(roots) == 1 && roots[macosxDir]
	return &insp, nil
}

// Extract unpacks the archive into dest with restricted permissions,
// skipping __MACOSX trees. Entries escaping dest reject the archive.
func Extract(path, dest string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		name := strings.TrimPrefix(f.Name, "./")
		if name == "" || name == "." {
			continue
		}
		root, _, _ := strings.Cut(name, "/")
		if root == macosxDir {
			continue
		}

		target := filepath.Join(dest, filepath.Clean(name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		// Symlinks are preserved as links so validation can reject them.
		if f.FileInfo().Mode()&os.ModeSymlink != 0 {
			linkTarget, err := readZipEntry(f)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.Symlink(string(linkTarget), target); err != nil {
				return fmt.Errorf("failed to restore symlink: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		mode := f.FileInfo().Mode().Perm() & 0o700
		if mode == 0 {
			mode = 0o600
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		in, err := f.Open()
		if err != nil {
			out.Close()
			return fmt.Errorf("failed to open archive entry: %w", err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	in, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive entry: %w", err)
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive entry: %w", err)
	}
	return data, nil
}

// ValidateTree enforces the content rules on the extracted tree and
// returns the package root directory and the installed size. OS chaff is
// deleted as encountered; symbolic links always reject, executables reject
// unless the package type allows them.
func ValidateTree(dest, packageID string, executablesAllowed bool) (string, int64, error) {
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read extraction root: %w", err)
	}
	if len(entries) != 1 || !entries[0].IsDir() || entries[0].Name() != packageID {
		return "", 0, fail(registry.StatusFailedNoFileDir)
	}
	root := filepath.Join(dest, packageID)

	if _, err := os.Lstat(filepath.Join(root, "manifest.json")); err == nil {
		return "", 0, fail(registry.StatusFailedManifestExists)
	}

	var installed int64
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if chaffFiles[info.Name()] {
			return os.Remove(path)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fail(registry.StatusFailedInvalidFileTypes)
		}
		if !executablesAllowed && info.Mode().Perm()&0o111 != 0 {
			return fail(registry.StatusFailedInvalidFileTypes)
		}
		installed += info.Size()
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	return root, installed, nil
}

// ZipTree writes the canonical artifact: a zip whose entries are root's
// contents, so the package directory, manifest and scripts all sit at the
// top level.
func ZipTree(root, outPath string) error {
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	zw := zip.NewWriter(out)

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			_, err = zw.Create(rel + "/")
			return err
		}

		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		zw.Close()
		out.Close()
		os.Remove(outPath)
		return fmt.Errorf("failed to zip artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return fmt.Errorf("failed to finish artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	return nil
}

// HashFile returns the sha256 hex digest and size of a file.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
