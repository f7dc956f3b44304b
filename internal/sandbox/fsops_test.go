package sandbox

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/readlens/readlens/internal/confine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGuard(t *testing.T) (*confine.Guard, string) {
	t.Helper()
	root := t.TempDir()
	g, err := confine.New(root, testLogger())
	if err != nil {
		t.Fatalf("confine.New: %v", err)
	}
	return g, g.Root()
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", kind)
	}
	rerr := Normalize(err)
	if rerr.Kind != kind {
		t.Fatalf("kind = %s (%s), want %s", rerr.Kind, rerr.Message, kind)
	}
}

func TestReadFilePagination(t *testing.T) {
	g, root := newTestGuard(t)
	mustWrite(t, filepath.Join(root, "data.txt"), "AAAAAAAAAABBBBBBBBBBCCCCCCCCCC")

	cases := []struct {
		name      string
		offset    int
		maxBytes  int
		content   string
		bytesRead int
	}{
		{"first page", 0, 10, "AAAAAAAAAA", 10},
		{"second page", 10, 10, "BBBBBBBBBB", 10},
		{"third page", 20, 10, "CCCCCCCCCC", 10},
		{"short final page", 25, 10, "CCCCC", 5},
		{"offset at end", 30, 10, "", 0},
		{"offset past end", 100, 10, "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := readFileOp(g, "data.txt", tc.offset, tc.maxBytes)
			if err != nil {
				t.Fatalf("readFileOp: %v", err)
			}
			if res.Content != tc.content || res.BytesRead != tc.bytesRead {
				t.Errorf("got %q (%d bytes), want %q (%d bytes)",
					res.Content, res.BytesRead, tc.content, tc.bytesRead)
			}
			if res.TotalSize != 30 {
				t.Errorf("TotalSize = %d, want 30", res.TotalSize)
			}
			if res.Offset != tc.offset {
				t.Errorf("Offset = %d, want %d", res.Offset, tc.offset)
			}
		})
	}
}

func TestReadFileDefaultsAndErrors(t *testing.T) {
	g, root := newTestGuard(t)
	mustWrite(t, filepath.Join(root, "small.txt"), "hello")
	if err := os.Mkdir(filepath.Join(root, "adir"), 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := readFileOp(g, "small.txt", 0, 0)
	if err != nil {
		t.Fatalf("readFileOp with default chunk: %v", err)
	}
	if res.Content != "hello" {
		t.Errorf("Content = %q, want hello", res.Content)
	}

	_, err = readFileOp(g, "adir", 0, 0)
	wantKind(t, err, KindOS)

	_, err = readFileOp(g, "missing.txt", 0, 0)
	wantKind(t, err, KindOS)

	_, err = readFileOp(g, filepath.Join("..", "escape.txt"), 0, 0)
	if !errors.Is(err, confine.ErrOutsideRoot) {
		t.Errorf("traversal read = %v, want ErrOutsideRoot", err)
	}
}

func TestWriteFileCreatesUnderOutputDir(t *testing.T) {
	g, root := newTestGuard(t)

	written, err := writeFileOp(g, "result.txt", "hello")
	if err != nil {
		t.Fatalf("writeFileOp: %v", err)
	}
	if written != "chat_outputs/result.txt" {
		t.Errorf("path = %q, want chat_outputs/result.txt", written)
	}
	b, err := os.ReadFile(filepath.Join(root, "chat_outputs", "result.txt"))
	if err != nil || string(b) != "hello" {
		t.Errorf("on-disk content = %q, %v", b, err)
	}

	// Nested targets auto-create intermediate directories.
	written, err = writeFileOp(g, filepath.Join("figs", "plot.svg"), "<svg/>")
	if err != nil {
		t.Fatalf("writeFileOp nested: %v", err)
	}
	if written != "chat_outputs/figs/plot.svg" {
		t.Errorf("path = %q, want chat_outputs/figs/plot.svg", written)
	}

	// Spelling the output dir explicitly lands in the same place.
	_, err = writeFileOp(g, filepath.Join("chat_outputs", "result.txt"), "again")
	wantKind(t, err, KindFileExists)
}

func TestWriteFileRefusesOverwrite(t *testing.T) {
	g, root := newTestGuard(t)
	if _, err := writeFileOp(g, "results.bed", "chr1\t100\t200\n"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	_, err := writeFileOp(g, "results.bed", "chr2\t1\t2\n")
	wantKind(t, err, KindFileExists)

	b, err := os.ReadFile(filepath.Join(root, OutputDirName, "results.bed"))
	if err != nil || string(b) != "chr1\t100\t200\n" {
		t.Errorf("first write's content changed: %q, %v", b, err)
	}
}

func TestWriteFileRejectsBadPaths(t *testing.T) {
	g, _ := newTestGuard(t)
	cases := []struct {
		name string
		rel  string
	}{
		{"empty", ""},
		{"dot", "."},
		{"parent reference", filepath.Join("..", "escape.txt")},
		{"traversal inside", filepath.Join("a", "..", "..", "escape.txt")},
		{"overlong component", strings.Repeat("x", 200) + ".txt"},
		{"control characters", "bad\x01name.txt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := writeFileOp(g, tc.rel, "x")
			wantKind(t, err, KindValue)
		})
	}
}

func TestWriteFileSymlinkedOutputDir(t *testing.T) {
	g, root := newTestGuard(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, OutputDirName)); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	_, err := writeFileOp(g, "escape.txt", "x")
	if !errors.Is(err, confine.ErrOutsideRoot) {
		t.Fatalf("write through linked output dir = %v, want ErrOutsideRoot", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "escape.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Error("file escaped the root")
	}
}

func TestWriteFileContentCap(t *testing.T) {
	g, _ := newTestGuard(t)
	_, err := writeFileOp(g, "big.txt", strings.Repeat("x", maxWriteBytes+1))
	wantKind(t, err, KindValue)
}
