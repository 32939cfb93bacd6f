package local

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sneh-joshi/spoolmq/internal/types"
)

// FsyncPolicy controls whether each record reaches stable storage before
// Append returns.
type FsyncPolicy string

const (
	FsyncAlways FsyncPolicy = "always" // fsync after every record
	FsyncNever  FsyncPolicy = "never"  // hand records to the OS only
)

// segment is one open, append-only segment file.
type segment struct {
	id      types.SegmentID
	path    string
	file    *os.File
	fsync   FsyncPolicy
	records int
	size    int64 // approximate: payload bytes plus recordOverhead per record
	buf     []byte
}

// createSegment creates a new segment file and writes its header.
// The file must not already exist.
func createSegment(dir string, id types.SegmentID, fsync FsyncPolicy) (*segment, error) {
	path := filepath.Join(dir, string(id))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	s := &segment{id: id, path: path, file: f, fsync: fsync}
	if err := s.write(appendHeader(s.buf[:0])); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("segment: write header %s: %w", path, err)
	}
	return s, nil
}

// write writes b and syncs it according to the fsync policy.
func (s *segment) write(b []byte) error {
	if _, err := s.file.Write(b); err != nil {
		return err
	}
	if s.fsync == FsyncAlways {
		return s.file.Sync()
	}
	return nil
}

// append writes one record. It returns false when the segment has reached
// maxBytes and must be finalized by the caller.
func (s *segment) append(msg *types.Message, maxBytes int64) (bool, error) {
	if len(msg.Contents) > maxRecordLen {
		return true, fmt.Errorf("segment: %s: payload of %d bytes too large", s.id, len(msg.Contents))
	}
	s.buf = appendRecord(s.buf[:0], msg)
	if err := s.write(s.buf); err != nil {
		return false, fmt.Errorf("segment: append %s: %w", s.path, err)
	}
	s.records++
	n := int64(len(msg.Contents))
	s.size += n + recordOverhead
	return s.size+n+recordOverhead < maxBytes, nil
}

// finalize writes the EOF tag and closes the file. The file is closed even
// when the tag cannot be written.
func (s *segment) finalize() error {
	werr := s.write([]byte(tagEOF))
	cerr := s.file.Close()
	if werr != nil {
		return fmt.Errorf("segment: finalize %s: %w", s.path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("segment: close %s: %w", s.path, cerr)
	}
	return nil
}

// abandon closes the file without the EOF tag. The file stays on disk and is
// read as truncated by the next scan.
func (s *segment) abandon() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("segment: close %s: %w", s.path, err)
	}
	return nil
}

// discard closes the file without the EOF tag and deletes it.
func (s *segment) discard() error {
	_ = s.file.Close()
	if err := os.Remove(s.path); err != nil {
		return fmt.Errorf("segment: delete %s: %w", s.path, err)
	}
	return nil
}
