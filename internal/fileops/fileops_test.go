package fileops

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.json")

	if err := WriteFileAtomic(path, []byte("first"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second"), 0o644); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("content = %q, want second", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
}

func TestSyncDirReportsErrors(t *testing.T) {
	if err := syncDir(t.TempDir()); err != nil {
		t.Fatalf("sync existing dir: %v", err)
	}
	err := syncDir(filepath.Join(t.TempDir(), "gone"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("sync missing dir err = %v, want not exist", err)
	}
}

func TestHardlinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.mp4")
	if err := os.WriteFile(src, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "media", "dst.mp4")
	if err := HardlinkOrCopy(src, dst); err != nil {
		t.Fatalf("link: %v", err)
	}
	if got, _ := os.ReadFile(dst); string(got) != "media" {
		t.Fatalf("dst content = %q", got)
	}
}

func TestIsVideoFile(t *testing.T) {
	tests := map[string]bool{
		"talk.mp4":    true,
		"TALK.MKV":    true,
		"lecture.m4a": true,
		"notes.md":    false,
		"noext":       false,
	}
	for name, want := range tests {
		if got := IsVideoFile(name); got != want {
			t.Errorf("IsVideoFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Intro to Go: Part 1":  "intro-to-go-part-1",
		"  --Already--slug-- ": "already-slug",
		"日本語":                  "untitled",
	}
	for in, want := range tests {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChangeExtension(t *testing.T) {
	if got := ChangeExtension("/tmp/a/chunk.wav", ".srt"); got != "/tmp/a/chunk.srt" {
		t.Fatalf("got %q", got)
	}
}

func TestFindVideoFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.mp4", "notes.txt", "sub/b.MKV", "sub/c.srt"} {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := FindVideoFiles(dir)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "a.mp4" || filepath.Base(got[1]) != "b.MKV" {
		t.Fatalf("got %v", got)
	}
}
