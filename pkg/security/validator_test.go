package security

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestResolve_PathTraversal(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 1024, MaxCompressionRatio: 10})
	root := t.TempDir()

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"file.txt", false},
		{"dir/file.txt", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../file.txt", false},
		{"dir/../../etc/passwd", true},
		{"..", true},
		{"..foo/bar", false},
	}

	for _, tt := range tests {
		got, err := v.Resolve(root, tt.path)
		if tt.shouldErr {
			var pe *PathEscapeError
			if !errors.As(err, &pe) {
				t.Errorf("expected path escape error for %s, got %v", tt.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
			continue
		}
		if !within(root, got) {
			t.Errorf("resolved %s outside root: %s", tt.path, got)
		}
	}
}

func TestResolve_SymlinkedParent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	v := NewValidator(Limits{})
	root := t.TempDir()
	outside := t.TempDir()

	if err := os.Symlink(outside, filepath.Join(root, "evil")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := v.Resolve(root, "evil/passwd"); err == nil {
		t.Error("expected error for entry below a symlink leaving root")
	}

	if err := os.Mkdir(filepath.Join(root, "real"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("real", filepath.Join(root, "alias")); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Resolve(root, "alias/file"); err != nil {
		t.Errorf("unexpected error for symlink inside root: %v", err)
	}
}

func TestValidateSymlink(t *testing.T) {
	v := NewValidator(Limits{})
	root := "/restore"

	tests := []struct {
		name, target string
		shouldErr    bool
	}{
		{"etc/fonts/conf.d/foo", "../conf.avail/bar", false},
		{"bin/sh", "/usr/bin/dash", false},
		{"foo", "../../etc/passwd", true},
		{"a/b", "../../..", true},
	}

	for _, tt := range tests {
		err := v.ValidateSymlink(root, tt.name, tt.target)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for %s -> %s", tt.name, tt.target)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for %s -> %s: %v", tt.name, tt.target, err)
		}
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 100, MaxTotalSize: 1000, MaxCompressionRatio: 10})

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateFileSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}

	unlimited := NewValidator(Limits{})
	if err := unlimited.ValidateFileSize(1 << 40); err != nil {
		t.Errorf("zero limit should disable the check: %v", err)
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 10240, MaxCompressionRatio: 10})

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	err := v.ValidateCompressionRatio(50, 1000)
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected limit error for ratio 20.0, got %v", err)
	}
	if le.Limit != "compression ratio" {
		t.Errorf("unexpected limit %q", le.Limit)
	}
}

func TestAddExtractedSize_ExceedsTotal(t *testing.T) {
	v := NewValidator(Limits{MaxFileSize: 1024, MaxTotalSize: 500, MaxCompressionRatio: 10})

	if err := v.AddExtractedSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := v.AddExtractedSize(200); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}

	v.Reset()
	if got := v.TotalSize(); got != 0 {
		t.Errorf("expected reset total 0, got %d", got)
	}
}
