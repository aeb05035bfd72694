package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/snap"
	"github.com/jcalfee/node-zmq-raft/wal"
)

// memSM is a serializable state machine counting applied payload
// bytes.
type memSM struct {
	applied uint64
	bytes   int
}

func (m *memSM) LastApplied() uint64 { return m.applied }

func (m *memSM) Apply(entry *logpd.Entry) error {
	if entry.Index != m.applied+1 {
		return fmt.Errorf("apply out of order: %d after %d", entry.Index, m.applied)
	}
	m.applied = entry.Index
	m.bytes += len(entry.Data)
	return nil
}

func (m *memSM) Snapshot() ([]byte, error) {
	return []byte(fmt.Sprintf("applied=%d bytes=%d", m.applied, m.bytes)), nil
}

// opaqueSM lacks the serialization capability.
type opaqueSM struct{ memSM }

func (m *opaqueSM) Snapshot() {}

func prepareLog(t *testing.T, dir string, entries uint64) {
	t.Helper()
	w, err := wal.Open(dir, 0, 0, wal.Options{MaxEntriesPerSegment: 100})
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= entries; i++ {
		_, err := w.Append(&logpd.Entry{
			Index: i, Term: 1, Type: logpd.EntryState,
			RequestID: logpd.NewRequestID(), Data: []byte("d"),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRunCompaction(t *testing.T) {
	root := t.TempDir()
	logDir := filepath.Join(root, "log")
	snapPath := filepath.Join(root, "snap")
	prepareLog(t, logDir, 1000)

	err := RunCompaction(&memSM{}, CompactionOptions{
		LogDir:       logDir,
		SnapshotPath: snapPath,
		TargetIndex:  500,
	})
	if err != nil {
		t.Fatalf("compaction: %v", err)
	}

	meta, ok, err := snap.ReadMeta(snapPath)
	if err != nil || !ok {
		t.Fatalf("snapshot meta: ok %v, err %v", ok, err)
	}
	if meta.LastIncludedIndex != 500 || meta.LastIncludedTerm != 1 {
		t.Fatalf("snapshot meta: %v", meta)
	}

	w, err := wal.Open(logDir, meta.LastIncludedIndex, meta.LastIncludedTerm,
		wal.Options{MaxEntriesPerSegment: 100})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if w.FirstIndex() != 501 {
		t.Fatalf("first index %d, want 501", w.FirstIndex())
	}
	if _, ok, _ := w.Read(500); ok {
		t.Fatal("read(500) survived compaction")
	}
	entry, ok, err := w.Read(501)
	if err != nil || !ok || entry.Index != 501 {
		t.Fatalf("read(501): ok %v, err %v", ok, err)
	}
	if paths := w.SegmentsBefore(501); len(paths) != 0 {
		t.Fatalf("segments below 501 remain: %v", paths)
	}
}

func TestRunCompactionCompressed(t *testing.T) {
	root := t.TempDir()
	logDir := filepath.Join(root, "log")
	snapPath := filepath.Join(root, "snap")
	prepareLog(t, logDir, 40)

	err := RunCompaction(&memSM{}, CompactionOptions{
		LogDir:           logDir,
		SnapshotPath:     snapPath,
		TargetIndex:      20,
		CompressionLevel: 9,
	})
	if err != nil {
		t.Fatalf("compaction: %v", err)
	}
	r, err := snap.OpenReader(snapPath)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if !r.Compressed() {
		t.Fatal("snapshot body not compressed")
	}
}

func TestRunCompactionValidation(t *testing.T) {
	root := t.TempDir()
	logDir := filepath.Join(root, "log")
	snapPath := filepath.Join(root, "snap")
	prepareLog(t, logDir, 10)

	err := RunCompaction(&memSM{}, CompactionOptions{
		LogDir: logDir, SnapshotPath: snapPath, TargetIndex: 11,
	})
	if !errors.Is(err, ErrIndexNotInLog) {
		t.Fatalf("target beyond log: %v", err)
	}

	err = RunCompaction(&memSM{}, CompactionOptions{
		LogDir: logDir, SnapshotPath: snapPath, TargetIndex: 5, CompressionLevel: 12,
	})
	if !errors.Is(err, ErrBadCompression) {
		t.Fatalf("bad level: %v", err)
	}

	err = RunCompaction(&opaqueSM{}, CompactionOptions{
		LogDir: logDir, SnapshotPath: snapPath, TargetIndex: 5,
	})
	if !errors.Is(err, ErrNoSerialization) {
		t.Fatalf("opaque sm: %v", err)
	}
}
