package server

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/snap"
	"github.com/jcalfee/node-zmq-raft/wal"
)

var (
	// ErrIndexNotInLog means the compaction target is outside the
	// range the log can replay.
	ErrIndexNotInLog = errors.New("server: compaction index not present in log")
	// ErrNoSerialization means the state machine cannot produce a
	// snapshot body.
	ErrNoSerialization = errors.New("server: state machine lacks serialization capability")
	// ErrBadCompression rejects a gzip level outside [0, 9].
	ErrBadCompression = errors.New("server: compression level out of range")
)

// SnapshotCapable is the serialization capability a state machine
// must offer to the compaction job.
type SnapshotCapable interface {
	Snapshot() ([]byte, error)
}

// CompactionOptions drive one offline compaction run over a log
// directory.
type CompactionOptions struct {
	LogDir string
	// SnapshotPath is the currently installed snapshot, if any.
	SnapshotPath string
	// TargetPath receives the new snapshot; defaults to SnapshotPath.
	TargetPath  string
	TargetIndex uint64
	// CompressionLevel gzips the snapshot body when positive.
	CompressionLevel int
}

// RunCompaction replay entries up to the target index into the state
// machine, write the resulting snapshot, and install it into the
// log, pruning the segments it covers. The log directory must not be
// owned by a running peer.
func RunCompaction(sm wal.StateMachine, opts CompactionOptions) error {
	if opts.CompressionLevel < 0 || opts.CompressionLevel > 9 {
		return ErrBadCompression
	}
	capable, ok := sm.(SnapshotCapable)
	if !ok {
		return ErrNoSerialization
	}

	meta, _, err := snap.ReadMeta(opts.SnapshotPath)
	if err != nil {
		return err
	}
	w, err := wal.Open(opts.LogDir, meta.LastIncludedIndex, meta.LastIncludedTerm, wal.Options{})
	if err != nil {
		return err
	}
	defer w.Close()

	target := opts.TargetIndex
	if target <= w.SnapshotIndex() || target > w.LastIndex() {
		return fmt.Errorf("target %d outside (%d, %d]: %w",
			target, w.SnapshotIndex(), w.LastIndex(), ErrIndexNotInLog)
	}

	applied, err := w.FeedStateMachine(sm, target)
	if err != nil {
		return err
	}
	if applied != target {
		return fmt.Errorf("replay stopped at %d of %d: %w", applied, target, ErrIndexNotInLog)
	}
	term, ok := w.TermAt(target)
	if !ok {
		return ErrIndexNotInLog
	}

	data, err := capable.Snapshot()
	if err != nil {
		return err
	}
	if opts.CompressionLevel > 0 {
		if data, err = gzipBytes(data, opts.CompressionLevel); err != nil {
			return err
		}
	}

	targetPath := opts.TargetPath
	if targetPath == "" {
		targetPath = opts.SnapshotPath
	}
	writer, err := snap.MakeWriter(targetPath, snap.Meta{
		LastIncludedIndex: target,
		LastIncludedTerm:  term,
		DataSize:          uint64(len(data)),
	})
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}
	if err := writer.Commit(); err != nil {
		return err
	}

	if err := w.InstallSnapshot(target, term); err != nil {
		return err
	}
	log.Infof("compaction: snapshot at %d [term: %d], %d bytes", target, term, len(data))
	return nil
}

func gzipBytes(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
