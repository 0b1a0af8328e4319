// Package security guards archive extraction against path traversal and
// decompression bombs.
package security

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/takeover-io/takeover/pkg/errors"
)

// Limits bounds what a single extraction may produce. Zero disables a limit.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// PathEscapeError reports an archive entry whose destination would land
// outside the extraction root.
type PathEscapeError struct {
	Name     string
	Root     string
	Resolved string
}

func (e *PathEscapeError) Error() string {
	if e.Resolved == "" {
		return fmt.Sprintf("security: entry %q escapes %s", e.Name, e.Root)
	}
	return fmt.Sprintf("security: entry %q resolves to %s outside %s", e.Name, e.Resolved, e.Root)
}

// LimitError reports a size or ratio limit being exceeded.
type LimitError struct {
	Limit string
	Value float64
	Max   float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("security: %s %.2f exceeds max %.2f", e.Limit, e.Value, e.Max)
}

// Validator tracks one extraction. It is safe for concurrent use but is
// normally driven from a single goroutine.
type Validator struct {
	limits Limits

	mu         sync.Mutex
	totalSize  int64
	entryCount int
}

// NewValidator creates a validator with the given limits.
func NewValidator(limits Limits) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", limits.MaxFileSize/1024/1024,
		"max_total_size_mb", limits.MaxTotalSize/1024/1024,
		"max_compression_ratio", limits.MaxCompressionRatio)

	return &Validator{limits: limits}
}

// Resolve maps an archive entry name to its destination under root.
// Absolute names, names that climb above root, and names whose existing
// parent directories are symlinks leading outside root are rejected with
// *PathEscapeError. Nothing is clamped.
func (v *Validator) Resolve(root, name string) (string, error) {
	root = filepath.Clean(root)
	slashed := filepath.FromSlash(name)

	if filepath.IsAbs(slashed) || filepath.VolumeName(slashed) != "" || strings.HasPrefix(name, "/") {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return "", &PathEscapeError{Name: name, Root: root}
	}

	target := filepath.Join(root, slashed)
	if !within(root, target) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return "", &PathEscapeError{Name: name, Root: root, Resolved: target}
	}

	// A previously extracted symlink may redirect later entries.
	if err := checkParents(root, target); err != nil {
		slog.Error("security_path_validation_failed", "path", name, "reason", "symlinked_parent", "error", err)
		return "", &PathEscapeError{Name: name, Root: root, Resolved: target}
	}

	return target, nil
}

// ValidateSymlink checks that a relative symlink stored at name resolves
// inside root. Absolute targets are left to the consumer of the tree; they
// are never followed during extraction because Resolve checks parents.
func (v *Validator) ValidateSymlink(root, name, target string) error {
	if filepath.IsAbs(target) {
		slog.Debug("security_symlink_validated", "symlink", name, "target", target, "type", "absolute")
		return nil
	}

	root = filepath.Clean(root)
	linkDir := filepath.Dir(filepath.Join(root, filepath.FromSlash(name)))
	resolved := filepath.Clean(filepath.Join(linkDir, filepath.FromSlash(target)))

	if !within(root, resolved) {
		slog.Error("security_symlink_validation_failed",
			"symlink", name,
			"target", target,
			"resolved", resolved)
		return &PathEscapeError{Name: name, Root: root, Resolved: resolved}
	}

	slog.Debug("security_symlink_validated", "symlink", name, "target", target, "type", "relative")
	return nil
}

// ValidateFileSize checks a single entry against MaxFileSize.
func (v *Validator) ValidateFileSize(size int64) error {
	if v.limits.MaxFileSize > 0 && size > v.limits.MaxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.limits.MaxFileSize/1024/1024)
		return &LimitError{Limit: "file size", Value: float64(size), Max: float64(v.limits.MaxFileSize)}
	}
	return nil
}

// AddExtractedSize accounts for an extracted entry and checks MaxTotalSize.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.totalSize += size
	v.entryCount++

	if v.limits.MaxTotalSize > 0 && v.totalSize > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.totalSize/1024/1024,
			"max_total_mb", v.limits.MaxTotalSize/1024/1024)
		return &LimitError{Limit: "total size", Value: float64(v.totalSize), Max: float64(v.limits.MaxTotalSize)}
	}

	return nil
}

// ValidateCompressionRatio checks for compression bombs.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if v.limits.MaxCompressionRatio <= 0 || uncompressedSize == 0 {
		return nil
	}
	if compressedSize <= 0 {
		return errors.New("security: compressed size must be positive")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return &LimitError{Limit: "compression ratio", Value: ratio, Max: v.limits.MaxCompressionRatio}
	}

	return nil
}

// Reset clears the running totals before a new extraction.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalSize = 0
	v.entryCount = 0
}

// TotalSize returns the bytes accounted so far.
func (v *Validator) TotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalSize
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkParents(root, target string) error {
	dir := filepath.Dir(target)
	for dir != root && within(root, dir) {
		fi, err := os.Lstat(dir)
		if err == nil && fi.Mode()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(dir)
			if err != nil {
				return err
			}
			realRoot, err := filepath.EvalSymlinks(root)
			if err != nil {
				realRoot = root
			}
			if !within(realRoot, resolved) {
				return fmt.Errorf("%s links to %s", dir, resolved)
			}
		}
		dir = filepath.Dir(dir)
	}
	return nil
}
