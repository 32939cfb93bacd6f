package local

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sneh-joshi/spoolmq/internal/metrics"
	"github.com/sneh-joshi/spoolmq/internal/storage"
	"github.com/sneh-joshi/spoolmq/internal/types"
)

// segmentName matches files owned by the manager. Anything else in the
// directory is left alone.
var segmentName = regexp.MustCompile(`^MQ-([0-9a-f]{16})-([0-9a-f]{4})$`)

// Config controls a Manager.
type Config struct {
	// Dir holds the segment files. It is created if missing.
	Dir string

	// MaxSegmentBytes is the approximate size at which a segment is
	// finalized and a new one started.
	MaxSegmentBytes int64

	// Fsync selects the durability of each record. Empty means FsyncAlways.
	Fsync FsyncPolicy

	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Now is the clock used for segment names. Nil means time.Now.
	Now func() time.Time
}

// segmentState is the acknowledgment ledger for one segment file.
type segmentState struct {
	path    string
	records int
	acked   int
	closed  bool
}

func (st *segmentState) done() bool { return st.closed && st.acked >= st.records }

// Manager implements storage.SegmentLog over a directory of segment files.
//
// It owns the whole segment lifecycle: creating the current segment on
// demand, rotating it when full, deleting segments once every record is
// acknowledged, and scanning closed segments back into memory.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	current  *segment
	segments map[types.SegmentID]*segmentState
	closed   bool

	// name generator state
	lastMs int64
	seq    int

	created uint64
	deleted uint64
}

// Open prepares dir for use and seeds the segment name generator from the
// newest segment already on disk. It does not load anything; the queue core
// runs the startup Scan.
func Open(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("local: directory must not be empty")
	}
	if cfg.MaxSegmentBytes <= 0 {
		return nil, fmt.Errorf("local: max segment bytes must be positive, got %d", cfg.MaxSegmentBytes)
	}
	if cfg.Fsync == "" {
		cfg.Fsync = FsyncAlways
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("local: %s is not a directory", cfg.Dir)
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("local: create dir: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("local: stat dir: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "segments"),
		segments: make(map[types.SegmentID]*segmentState),
	}

	names, err := m.list()
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		ms, seq := parseName(names[len(names)-1])
		m.lastMs, m.seq = ms, seq
	}
	return m, nil
}

// ─── Naming ───────────────────────────────────────────────────────────────────

// nextName returns a segment name strictly greater than every name issued
// before, even when the wall clock stalls or steps backwards.
func (m *Manager) nextName() types.SegmentID {
	now := m.cfg.Now().UnixMilli()
	if now > m.lastMs {
		m.lastMs, m.seq = now, 0
	} else {
		m.seq++
		if m.seq > 0xffff {
			m.lastMs, m.seq = m.lastMs+1, 0
		}
	}
	return types.SegmentID(fmt.Sprintf("MQ-%016x-%04x", m.lastMs, m.seq))
}

func parseName(id types.SegmentID) (ms int64, seq int) {
	parts := segmentName.FindStringSubmatch(string(id))
	if parts == nil {
		return 0, 0
	}
	t, _ := strconv.ParseUint(parts[1], 16, 64)
	s, _ := strconv.ParseUint(parts[2], 16, 16)
	return int64(t), int(s)
}

// list returns the names of all segment files in creation order.
func (m *Manager) list() ([]types.SegmentID, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("local: list %s: %w", m.cfg.Dir, err)
	}
	var names []types.SegmentID
	for _, e := range entries {
		if e.Type().IsRegular() && segmentName.MatchString(e.Name()) {
			names = append(names, types.SegmentID(e.Name()))
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

// ─── Write path ───────────────────────────────────────────────────────────────

// Append implements storage.SegmentLog.
func (m *Manager) Append(msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return storage.ErrClosed
	}
	if m.current == nil {
		seg, err := createSegment(m.cfg.Dir, m.nextName(), m.cfg.Fsync)
		if err != nil {
			return err
		}
		m.current = seg
		m.segments[seg.id] = &segmentState{path: seg.path}
		m.created++
		m.cfg.Metrics.SegmentCreated()
		m.logger.Debug("segment created", "segment", seg.id)
	}

	seg := m.current
	more, err := seg.append(msg, m.cfg.MaxSegmentBytes)
	if err != nil {
		// A partial record may be on disk. Stop writing to this file so the
		// damage stays at its tail, where a scan reads it as truncation.
		m.closeCurrent(false)
		return err
	}
	msg.Segment = seg.id
	m.segments[seg.id].records++

	if !more {
		m.logger.Debug("segment full", "segment", seg.id, "records", seg.records)
		m.closeCurrent(true)
	}
	return nil
}

// closeCurrent closes the current segment, with the EOF tag when finalize is
// set. Must be called with m.mu held.
func (m *Manager) closeCurrent(finalize bool) error {
	seg := m.current
	if seg == nil {
		return nil
	}
	m.current = nil

	var err error
	if finalize {
		err = seg.finalize()
	} else {
		err = seg.abandon()
	}
	if err != nil {
		m.logger.Warn("segment close failed", "segment", seg.id, "err", err)
	}

	if st := m.segments[seg.id]; st != nil {
		st.closed = true
		m.maybeDelete(seg.id, st)
	}
	return err
}

// FinalizeCurrent implements storage.SegmentLog.
func (m *Manager) FinalizeCurrent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCurrent(true)
}

// DiscardCurrent implements storage.SegmentLog.
func (m *Manager) DiscardCurrent(minRecords int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg := m.current
	if seg == nil {
		return false, nil
	}
	st := m.segments[seg.id]
	if seg.records < minRecords || st.acked < st.records {
		return false, nil
	}

	m.current = nil
	delete(m.segments, seg.id)
	if err := seg.discard(); err != nil {
		return false, err
	}
	m.deleted++
	m.cfg.Metrics.SegmentDeleted(metrics.DeleteDiscarded)
	m.logger.Debug("segment discarded", "segment", seg.id, "records", seg.records)
	return true, nil
}

// ─── Acknowledgment ───────────────────────────────────────────────────────────

// Acknowledge implements storage.SegmentLog.
func (m *Manager) Acknowledge(msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.segments[msg.Segment]
	if st == nil {
		return nil
	}
	st.acked++
	return m.maybeDelete(msg.Segment, st)
}

// maybeDelete removes a closed, fully acknowledged segment. A failed removal
// keeps the ledger entry so a later scan can retry it.
func (m *Manager) maybeDelete(id types.SegmentID, st *segmentState) error {
	if !st.done() {
		return nil
	}
	if err := os.Remove(st.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("segment delete failed", "segment", id, "err", err)
		return fmt.Errorf("local: delete %s: %w", id, err)
	}
	delete(m.segments, id)
	m.deleted++
	m.cfg.Metrics.SegmentDeleted(metrics.DeleteAcked)
	m.logger.Debug("segment deleted", "segment", id, "records", st.records)
	return nil
}

// ─── Scan ─────────────────────────────────────────────────────────────────────

// Scan implements storage.SegmentLog.
func (m *Manager) Scan(fits storage.FitFunc, load storage.LoadFunc, replay bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, storage.ErrClosed
	}
	names, err := m.list()
	if err != nil {
		return false, err
	}

	scan := metrics.ScanDrain
	if replay {
		scan = metrics.ScanStartup
	}

	for _, id := range names {
		if m.current != nil && id == m.current.id {
			break
		}
		if st := m.segments[id]; st != nil && st.done() {
			// Fully consumed but its removal failed earlier.
			_ = m.maybeDelete(id, st)
			continue
		}

		path := filepath.Join(m.cfg.Dir, string(id))
		info, err := os.Stat(path)
		if err != nil {
			return false, fmt.Errorf("local: stat %s: %w", id, err)
		}
		if info.Size() < headerSize {
			m.logger.Warn("deleting undersized segment", "segment", id, "bytes", info.Size())
			m.removeFile(id, path, metrics.DeleteUndersized)
			continue
		}
		if !fits(info.Size()) {
			return true, nil
		}

		msgs, err := m.readSegment(id, path)
		if err != nil {
			return false, err
		}
		if len(msgs) == 0 {
			m.logger.Info("deleting empty segment", "segment", id)
			m.removeFile(id, path, metrics.DeleteEmpty)
			continue
		}

		m.segments[id] = &segmentState{path: path, records: len(msgs), closed: true}
		for _, msg := range msgs {
			msg.Segment = id
			msg.PossibleReplay = replay
			load(msg)
		}
		m.cfg.Metrics.SegmentLoaded(scan, len(msgs))
		m.logger.Info("segment loaded", "segment", id, "records", len(msgs), "possible_replay", replay)
		replay = false
	}
	return false, nil
}

func (m *Manager) readSegment(id types.SegmentID, path string) ([]*types.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", id, err)
	}
	defer f.Close()

	msgs, truncated, err := decodeSegment(f, string(id))
	if err != nil {
		return nil, err
	}
	if truncated {
		m.logger.Warn("segment truncated, keeping complete records", "segment", id, "records", len(msgs))
	}
	return msgs, nil
}

func (m *Manager) removeFile(id types.SegmentID, path, reason string) {
	delete(m.segments, id)
	if err := os.Remove(path); err != nil {
		m.logger.Warn("segment delete failed", "segment", id, "err", err)
		return
	}
	m.deleted++
	m.cfg.Metrics.SegmentDeleted(reason)
}

// ─── Introspection ────────────────────────────────────────────────────────────

// Stats implements storage.SegmentLog.
func (m *Manager) Stats() storage.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := storage.Stats{
		Directory:       m.cfg.Dir,
		TrackedSegments: len(m.segments),
		SegmentsCreated: m.created,
		SegmentsDeleted: m.deleted,
	}
	if m.current != nil {
		s.CurrentSegment = string(m.current.id)
		s.CurrentRecords = m.current.records
	}
	return s
}

// Close implements storage.SegmentLog. The current segment keeps its
// records on disk without an EOF tag; the next startup scan recovers them.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.current == nil {
		return nil
	}
	seg := m.current
	m.current = nil
	return seg.abandon()
}

var _ storage.SegmentLog = (*Manager)(nil)
