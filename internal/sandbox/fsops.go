package sandbox

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/readlens/readlens/internal/confine"
)

// OutputDirName is the one subtree under the allowed root that interpreted
// code may write to. It is created on first write and never reset by the
// sandbox itself.
const OutputDirName = "chat_outputs"

const (
	// maxReadChunk is the hard ceiling on bytes returned by a single
	// read_file call; callers page through larger files with offsets.
	maxReadChunk = 512 * 1024
	// defaultReadChunk applies when max_bytes is omitted.
	defaultReadChunk = 64 * 1024
	// maxWriteBytes caps write_file content.
	maxWriteBytes = 10 << 20
	// maxComponentLen caps each path component of a write target.
	maxComponentLen = 128
)

// ReadResult is one page of a confined file read.
type ReadResult struct {
	Content   string
	BytesRead int
	TotalSize int64
	Offset    int
}

// readFileOp returns a slice of the file at rel. Offset and maxBytes have
// already been validated as non-negative integers; maxBytes is clamped to
// the hard ceiling here.
func readFileOp(guard *confine.Guard, rel string, offset, maxBytes int) (*ReadResult, error) {
	if maxBytes == 0 {
		maxBytes = defaultReadChunk
	}
	if maxBytes > maxReadChunk {
		maxBytes = maxReadChunk
	}
	path, err := guard.Resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, Raise(KindOS, "%s is a directory, not a file", rel)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, maxBytes)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &ReadResult{
		Content:   string(buf[:n]),
		BytesRead: n,
		TotalSize: info.Size(),
		Offset:    offset,
	}, nil
}

// writeFileOp creates a new file under the output subtree. Overwrites are
// refused: generated code must never destroy prior output. Intermediate
// directories are created as needed. Returns the root-relative path written.
func writeFileOp(guard *confine.Guard, rel, content string) (string, error) {
	if len(content) > maxWriteBytes {
		return "", Raise(KindValue, "content is %d bytes, exceeding the %d byte write limit", len(content), maxWriteBytes)
	}
	rel = filepath.Clean(filepath.FromSlash(rel))
	if rel == "." || rel == "" {
		return "", Raise(KindValue, "write path must name a file")
	}
	// Callers may spell the output subtree explicitly; either way the
	// target lands under it.
	rel = strings.TrimPrefix(rel, OutputDirName+string(filepath.Separator))
	if err := validateComponents(rel); err != nil {
		return "", err
	}

	target := filepath.Join(OutputDirName, rel)
	// Resolve against the allowed root, not just the output subtree, so a
	// symlinked output folder cannot redirect writes outside the sandbox.
	path, err := guard.Resolve(target)
	if err != nil {
		return "", err
	}
	if _, err := os.Lstat(path); err == nil {
		return "", Raise(KindFileExists, "%s already exists; choose a new filename", filepath.ToSlash(target))
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return filepath.ToSlash(target), nil
}

// validateComponents rejects path components that are empty, parent
// references, over-long, or contain control characters.
func validateComponents(rel string) error {
	for _, comp := range strings.Split(rel, string(filepath.Separator)) {
		if comp == "" || comp == "." || comp == ".." {
			return Raise(KindValue, "invalid path component %q", comp)
		}
		if len(comp) > maxComponentLen {
			return Raise(KindValue, "path component %q exceeds %d characters", comp, maxComponentLen)
		}
		for _, r := range comp {
			if r < 0x20 || r == 0x7f {
				return Raise(KindValue, "path component %q contains control characters", comp)
			}
		}
	}
	return nil
}
