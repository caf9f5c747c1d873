package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/splax/localvercel/preview/internal/domain"
)

// ErrUnsafeArchive indicates the archive must not be unpacked.
var ErrUnsafeArchive = errors.New("archive: unsafe archive")

// macOSMetadataDir is added by Finder when zipping and never part of the project.
const macOSMetadataDir = "__MACOSX"

// Limits bounds what an archive may contain.
type Limits struct {
	MaxEntries           int
	MaxDepth             int
	MaxUncompressedBytes int64
}

// Classifier maps an extracted directory to project details.
type Classifier interface {
	Classify(dir string) (domain.ProjectInfo, error)
}

// Validator checks archives against Limits, unpacks them and classifies the result.
type Validator struct {
	limits     Limits
	classifier Classifier
	logger     *slog.Logger
}

// NewValidator constructs a validator.
func NewValidator(limits Limits, classifier Classifier, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Validator{
		limits:     limits,
		classifier: classifier,
		logger:     logger.With("component", "archive"),
	}
}

// Inspect returns the number of entries in the zip at path without extracting it.
func Inspect(archivePath string) (int, error) {
	r, err := openZip(archivePath)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return len(r.File), nil
}

type entry struct {
	file *zip.File
	name string
	dir  bool
}

// ValidateAndExtract checks every entry of the archive, writes it under dest
// and classifies the extracted tree. dest is removed on any failure.
func (v *Validator) ValidateAndExtract(ctx context.Context, archivePath, dest string) (domain.ProjectInfo, error) {
	r, err := openZip(archivePath)
	if err != nil {
		return domain.ProjectInfo{}, err
	}
	defer r.Close()

	entries, err := v.plan(r.File)
	if err != nil {
		v.removeDest(dest)
		return domain.ProjectInfo{}, err
	}
	if err := v.extract(ctx, entries, dest); err != nil {
		v.removeDest(dest)
		return domain.ProjectInfo{}, err
	}

	root := singleRoot(entries)
	projectDir := dest
	if root != "" {
		projectDir = filepath.Join(dest, root)
	}
	info, err := v.classifier.Classify(projectDir)
	if err != nil {
		v.removeDest(dest)
		return domain.ProjectInfo{}, fmt.Errorf("classify project: %w", err)
	}
	info.Root = root
	v.logger.Debug("archive extracted", "entries", len(entries), "root", root, "type", info.Type)
	return info, nil
}

// plan validates all entries before anything is written.
func (v *Validator) plan(files []*zip.File) ([]entry, error) {
	if v.limits.MaxEntries > 0 && len(files) > v.limits.MaxEntries {
		return nil, fmt.Errorf("%w: %d entries exceeds limit of %d", ErrUnsafeArchive, len(files), v.limits.MaxEntries)
	}
	var total uint64
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		name, err := v.checkName(f.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: symlink entry %q", ErrUnsafeArchive, f.Name)
		}
		isDir := mode.IsDir() || strings.HasSuffix(f.Name, "/")
		if !isDir && mode&fs.ModeType != 0 {
			return nil, fmt.Errorf("%w: special file entry %q", ErrUnsafeArchive, f.Name)
		}
		total += f.UncompressedSize64
		if v.limits.MaxUncompressedBytes > 0 && total > uint64(v.limits.MaxUncompressedBytes) {
			return nil, fmt.Errorf("%w: uncompressed size exceeds %d bytes", ErrUnsafeArchive, v.limits.MaxUncompressedBytes)
		}
		entries = append(entries, entry{file: f, name: name, dir: isDir})
	}
	return entries, nil
}

// checkName rejects absolute, traversing and overly deep entry names and
// returns the cleaned slash-separated form.
func (v *Validator) checkName(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, `\`) || hasDriveLetter(raw) {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafeArchive, raw)
	}
	normalized := strings.ReplaceAll(raw, `\`, "/")
	depth := 0
	for _, seg := range strings.Split(normalized, "/") {
		switch seg {
		case "..":
			return "", fmt.Errorf("%w: path traversal in %q", ErrUnsafeArchive, raw)
		case "", ".":
			continue
		}
		depth++
	}
	if v.limits.MaxDepth > 0 && depth > v.limits.MaxDepth {
		return "", fmt.Errorf("%w: %q nests %d levels, limit is %d", ErrUnsafeArchive, raw, depth, v.limits.MaxDepth)
	}
	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func hasDriveLetter(name string) bool {
	if len(name) < 2 || name[1] != ':' {
		return false
	}
	c := name[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (v *Validator) extract(ctx context.Context, entries []entry, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extraction root: %w", err)
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}
	remaining := v.limits.MaxUncompressedBytes
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := filepath.Join(absDest, filepath.FromSlash(e.name))
		rel, err := filepath.Rel(absDest, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %q resolves outside destination", ErrUnsafeArchive, e.name)
		}
		if e.dir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", e.name, err)
			}
			continue
		}
		written, err := writeEntry(e.file, target, remaining)
		if err != nil {
			return err
		}
		if remaining > 0 {
			remaining -= written
		}
	}
	return nil
}

// writeEntry copies one file. limit > 0 caps the bytes actually inflated so a
// header that under-reports its size cannot exhaust the disk.
func writeEntry(f *zip.File, target string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", f.Name, err)
	}
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer src.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", f.Name, err)
	}
	var reader io.Reader = src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.Name, err)
	}
	if limit > 0 && n > limit {
		return n, fmt.Errorf("%w: %s inflates past the size limit", ErrUnsafeArchive, f.Name)
	}
	return n, nil
}

// singleRoot returns the folder name when every entry lives under the same
// top-level directory.
func singleRoot(entries []entry) string {
	root := ""
	nested := false
	for _, e := range entries {
		first, rest, found := strings.Cut(e.name, "/")
		if first == macOSMetadataDir {
			continue
		}
		if !found && !e.dir {
			return ""
		}
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
		if rest != "" {
			nested = true
		}
	}
	if !nested {
		return ""
	}
	return root
}

func (v *Validator) removeDest(dest string) {
	if err := os.RemoveAll(dest); err != nil {
		v.logger.Warn("failed to remove extraction directory", "dir", dest, "error", err)
	}
}

func openZip(archivePath string) (*zip.ReadCloser, error) {
	r, err := zip.OpenReader(archivePath)
	// Insecure names come back alongside a usable reader; plan rejects them per entry.
	if r == nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return r, nil
}
