package wal

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils"
)

var (
	// ErrCorruptLog marks a failed on-disk integrity check. It is
	// fatal: the owning process must not keep writing.
	ErrCorruptLog = errors.New("wal: corrupt log")
	// ErrLocked means another process holds the log directory.
	ErrLocked = errors.New("wal: directory locked by another process")
	// ErrOutOfOrder marks an append whose index or term breaks the
	// log's monotonicity.
	ErrOutOfOrder = errors.New("wal: append out of order")
)

const (
	DefaultMaxEntriesPerSegment = 16384
	DefaultMaxBytesPerSegment   = 64 * 1000 * 1000 // 64MB
)

// Options bound when a segment rolls over.
type Options struct {
	MaxEntriesPerSegment int
	MaxBytesPerSegment   int64
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxEntriesPerSegment <= 0 {
		opts.MaxEntriesPerSegment = DefaultMaxEntriesPerSegment
	}
	if opts.MaxBytesPerSegment <= 0 {
		opts.MaxBytesPerSegment = DefaultMaxBytesPerSegment
	}
	return opts
}

// StateMachine consumes committed entries in index order.
type StateMachine interface {
	LastApplied() uint64
	Apply(entry *logpd.Entry) error
}

// Throttled is an optional StateMachine extension: Ready blocks the
// feeder until the machine can accept the next entry.
type Throttled interface {
	Ready() <-chan struct{}
}

// Log is the durable rolling log: an ordered sequence of segment
// files plus the metadata of the snapshot that replaced its prefix.
//
//	[1 ........ snapIndex] [firstIndex ............. lastIndex]
//	      snapshot           segment files, dense indices
//
// The last segment is the active tail; earlier ones are sealed with
// an index footer. Exactly one process may own the directory.
type Log struct {
	mu sync.Mutex

	dir  string
	lock *os.File
	opts Options

	segments []*segment
	tail     *os.File
	enc      *encoder

	snapIndex uint64
	snapTerm  uint32
	lastIndex uint64
	lastTerm  uint32
}

// Open recover the log stored at dir. snapIndex/snapTerm come from
// the installed snapshot (zero when none). A torn tail record is
// truncated away; interior corruption fails the open.
func Open(dir string, snapIndex uint64, snapTerm uint32, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	lock, err := lockDir(dir)
	if err != nil {
		return nil, err
	}
	if err := clearAllFilesEndsWith(dir, tempSuffix); err != nil {
		lock.Close()
		return nil, err
	}

	l := &Log{
		dir:       dir,
		lock:      lock,
		opts:      opts.withDefaults(),
		snapIndex: snapIndex,
		snapTerm:  snapTerm,
		lastIndex: snapIndex,
		lastTerm:  snapTerm,
	}
	if err := l.recover(); err != nil {
		lock.Close()
		return nil, err
	}
	return l, nil
}

func lockDir(dir string) (*os.File, error) {
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lock.Close()
		return nil, ErrLocked
	}
	return lock, nil
}

func (l *Log) recover() error {
	names, err := readSegmentNames(l.dir)
	if err != nil {
		return err
	}

	for i, name := range names {
		first, err := parseSegmentName(name)
		if err != nil {
			return err
		}
		path := filepath.Join(l.dir, name)
		isTail := i == len(names)-1

		file, err := os.OpenFile(path, os.O_RDWR, 0600)
		if err != nil {
			return err
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}

		seg := &segment{path: path, first: first}
		var lastEntry logpd.Entry
		if offsets, ok := readFooter(file, info.Size()); ok && !isTail {
			seg.offsets = offsets
			if len(offsets) > 0 {
				seg.bytes = recordEnd(file, offsets[len(offsets)-1])
				if lastEntry, err = readEntryAt(file, offsets[len(offsets)-1]); err != nil {
					file.Close()
					return err
				}
			}
		} else {
			offsets, validOff, last, err := scanSegment(file, isTail)
			if err != nil {
				file.Close()
				return err
			}
			seg.offsets = offsets
			seg.bytes = validOff
			lastEntry = last
		}

		// segments fully covered by the snapshot are stale
		if !seg.empty() && seg.last() <= l.snapIndex {
			file.Close()
			log.Debugf("wal: drop compacted segment %s [%d, %d]",
				name, seg.first, seg.last())
			os.Remove(path)
			continue
		}

		if !seg.empty() {
			if l.lastIndex != l.snapIndex && seg.first != l.lastIndex+1 {
				file.Close()
				return ErrCorruptLog
			}
			l.lastIndex = seg.last()
			l.lastTerm = lastEntry.Term
		}

		if isTail {
			l.tail = file
			l.enc = makeEncoder(file, seg.bytes)
		} else {
			file.Close()
		}
		l.segments = append(l.segments, seg)
	}

	if len(l.segments) == 0 {
		return l.rollTo(l.lastIndex + 1)
	}
	log.Infof("wal: recovered %d segments [%d, %d] at %s",
		len(l.segments), l.FirstIndex(), l.lastIndex, l.dir)
	return nil
}

func recordEnd(file *os.File, lastOff int64) int64 {
	entry, err := readEntryAt(file, lastOff)
	if err != nil {
		return lastOff
	}
	raw := logpd.MarshalEntry(&entry)
	return lastOff + recordHeaderSize + int64(paddedSize(int32(len(raw))))
}

// rollTo seal the current tail and start a fresh segment whose first
// index is next.
func (l *Log) rollTo(next uint64) error {
	if l.tail != nil {
		active := l.active()
		if err := writeFooter(l.tail, active.offsets, active.bytes); err != nil {
			return err
		}
		if err := l.tail.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(l.dir, segmentName(next))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	l.tail = file
	l.enc = makeEncoder(file, 0)
	l.segments = append(l.segments, &segment{path: path, first: next})
	return nil
}

func (l *Log) active() *segment {
	utils.Assert(len(l.segments) != 0, "log has no active segment")
	return l.segments[len(l.segments)-1]
}

// Append write entry at the next index and return it. The entry's
// index must be zero (assigned here) or exactly lastIndex+1, and its
// term must not decrease.
func (l *Log) Append(e *logpd.Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Index == 0 {
		e.Index = l.lastIndex + 1
	}
	if e.Index != l.lastIndex+1 || e.Term < l.lastTerm {
		return 0, ErrOutOfOrder
	}

	off, err := l.enc.encode(logpd.MarshalEntry(e))
	if err != nil {
		return 0, err
	}

	active := l.active()
	active.offsets = append(active.offsets, off)
	active.bytes = l.enc.off
	l.lastIndex = e.Index
	l.lastTerm = e.Term

	if active.count() >= l.opts.MaxEntriesPerSegment ||
		active.bytes >= l.opts.MaxBytesPerSegment {
		if err := l.enc.flush(); err != nil {
			return 0, err
		}
		if err := l.rollTo(l.lastIndex + 1); err != nil {
			return 0, err
		}
	}
	return e.Index, nil
}

// Sync make all appended entries durable.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.flush()
}

// Read return the entry at index, or ok=false when index falls below
// the compacted prefix or beyond the last entry.
func (l *Log) Read(index uint64) (logpd.Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readLocked(index)
}

func (l *Log) readLocked(index uint64) (logpd.Entry, bool, error) {
	seg := l.segmentFor(index)
	if seg == nil {
		return logpd.Entry{}, false, nil
	}
	file, err := l.segmentFile(seg)
	if err != nil {
		return logpd.Entry{}, false, err
	}
	if file != l.tail {
		defer file.Close()
	}
	entry, err := seg.readEntry(file, index)
	if err != nil {
		return logpd.Entry{}, false, err
	}
	return entry, true, nil
}

func (l *Log) segmentFor(index uint64) *segment {
	if index <= l.snapIndex || index > l.lastIndex {
		return nil
	}
	for i := len(l.segments) - 1; i >= 0; i-- {
		if l.segments[i].contains(index) {
			return l.segments[i]
		}
	}
	return nil
}

func (l *Log) segmentFile(seg *segment) (*os.File, error) {
	if seg == l.active() {
		return l.tail, nil
	}
	return os.Open(seg.path)
}

// TermAt return the term of index. The snapshot boundary keeps its
// term after compaction.
func (l *Log) TermAt(index uint64) (uint32, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index == l.snapIndex {
		return l.snapTerm, true
	}
	if index == l.lastIndex {
		return l.lastTerm, true
	}
	entry, ok, err := l.readLocked(index)
	if err != nil || !ok {
		return 0, false
	}
	return entry.Term, true
}

// ReadRange stream entries [from, to] in order to cb, stopping when
// cb returns false, to is passed, or delivering the next entry would
// exceed byteBudget (the first entry is always delivered). Returns
// the last index delivered.
func (l *Log) ReadRange(from, to uint64, byteBudget int64, cb func(entry logpd.Entry) bool) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	from = utils.MaxUint64(from, l.snapIndex+1)
	to = utils.MinUint64(to, l.lastIndex)

	var used int64
	var delivered uint64
	for index := from; index <= to; {
		seg := l.segmentFor(index)
		if seg == nil {
			return delivered, nil
		}
		file, err := l.segmentFile(seg)
		if err != nil {
			return delivered, err
		}
		for ; index <= to && seg.contains(index); index++ {
			entry, err := seg.readEntry(file, index)
			if err != nil {
				if file != l.tail {
					file.Close()
				}
				return delivered, err
			}
			size := int64(len(logpd.MarshalEntry(&entry)))
			if delivered != 0 && byteBudget > 0 && used+size > byteBudget {
				if file != l.tail {
					file.Close()
				}
				return delivered, nil
			}
			used += size
			more := cb(entry)
			delivered = index
			if !more {
				if file != l.tail {
					file.Close()
				}
				return delivered, nil
			}
		}
		if file != l.tail {
			file.Close()
		}
	}
	return delivered, nil
}

// TruncateAfter drop every entry with index greater than the given
// one. Truncating at or past the last index is a no-op.
func (l *Log) TruncateAfter(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index >= l.lastIndex {
		return nil
	}
	utils.Assert(index >= l.snapIndex,
		"truncate %d below snapshot boundary %d", index, l.snapIndex)

	// drop whole segments past the cut
	for len(l.segments) > 0 {
		seg := l.segments[len(l.segments)-1]
		if !seg.empty() && seg.first <= index {
			break
		}
		if seg.empty() && seg.first <= index+1 {
			break
		}
		if l.tail != nil && seg == l.active() {
			l.tail.Close()
			l.tail = nil
		}
		l.segments = l.segments[:len(l.segments)-1]
		os.Remove(seg.path)
	}

	if len(l.segments) == 0 {
		l.lastIndex = index
		l.lastTerm = l.snapTerm
		return l.rollTo(index + 1)
	}

	// cut within the surviving tail segment
	seg := l.segments[len(l.segments)-1]
	if l.tail == nil {
		file, err := os.OpenFile(seg.path, os.O_RDWR, 0600)
		if err != nil {
			return err
		}
		l.tail = file
	}
	if !seg.empty() && seg.last() > index {
		cut := seg.offsets[index+1-seg.first]
		if err := l.tail.Truncate(cut); err != nil {
			return err
		}
		seg.offsets = seg.offsets[:index+1-seg.first]
		seg.bytes = cut
	}
	l.enc = makeEncoder(l.tail, seg.bytes)

	l.lastIndex = index
	if index == l.snapIndex {
		l.lastTerm = l.snapTerm
	} else {
		entry, ok, err := l.readLocked(index)
		if err != nil || !ok {
			return ErrCorruptLog
		}
		l.lastTerm = entry.Term
	}
	log.Debugf("wal: truncated after %d", index)
	return l.tail.Sync()
}

// InstallSnapshot atomically replace the log prefix up to
// lastIncluded. A surviving suffix is rewritten into a fresh segment
// via temp file and rename, then obsolete segments are deleted.
func (l *Log) InstallSnapshot(lastIncluded uint64, term uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lastIncluded <= l.snapIndex {
		return nil
	}

	if lastIncluded >= l.lastIndex {
		// snapshot covers everything: restart with an empty log
		for _, seg := range l.segments {
			if l.tail != nil && seg == l.active() {
				l.tail.Close()
				l.tail = nil
			}
			os.Remove(seg.path)
		}
		l.segments = nil
		l.snapIndex = lastIncluded
		l.snapTerm = term
		l.lastIndex = lastIncluded
		l.lastTerm = term
		return l.rollTo(lastIncluded + 1)
	}

	keep := l.segmentFor(lastIncluded + 1)
	utils.Assert(keep != nil, "no segment holds %d", lastIncluded+1)

	if keep.first <= lastIncluded {
		// rewrite the surviving suffix into a segment starting at
		// the new first index
		if err := l.rewriteSuffix(keep, lastIncluded+1); err != nil {
			return err
		}
	} else {
		l.dropSegmentsBelow(keep.first)
	}

	l.snapIndex = lastIncluded
	l.snapTerm = term
	log.Infof("wal: installed snapshot at %d [term: %d], first index now %d",
		lastIncluded, term, lastIncluded+1)
	return nil
}

func (l *Log) dropSegmentsBelow(first uint64) {
	kept := l.segments[:0]
	for _, seg := range l.segments {
		if seg.first < first {
			if l.tail != nil && seg == l.active() {
				l.tail.Close()
				l.tail = nil
			}
			os.Remove(seg.path)
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
}

// rewriteSuffix copy entries [next, keep.last] of the straddling
// segment into a new segment file named for next, fsync, rename, and
// drop every older file.
func (l *Log) rewriteSuffix(keep *segment, next uint64) error {
	src, err := l.segmentFile(keep)
	if err != nil {
		return err
	}
	wasTail := src == l.tail

	path := filepath.Join(l.dir, segmentName(next))
	tmp, err := os.OpenFile(path+tempSuffix, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		if !wasTail {
			src.Close()
		}
		return err
	}

	enc := makeEncoder(tmp, 0)
	offsets := make([]int64, 0, keep.last()-next+1)
	for index := next; index <= keep.last(); index++ {
		entry, err := keep.readEntry(src, index)
		if err != nil {
			tmp.Close()
			os.Remove(path + tempSuffix)
			if !wasTail {
				src.Close()
			}
			return err
		}
		off, err := enc.encode(logpd.MarshalEntry(&entry))
		if err != nil {
			tmp.Close()
			os.Remove(path + tempSuffix)
			if !wasTail {
				src.Close()
			}
			return err
		}
		offsets = append(offsets, off)
	}
	if !wasTail {
		src.Close()
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := os.Rename(path+tempSuffix, path); err != nil {
		tmp.Close()
		return err
	}

	replacement := &segment{path: path, first: next, offsets: offsets, bytes: enc.off}
	if wasTail {
		l.tail.Close()
		l.tail = tmp
		l.enc = makeEncoder(tmp, enc.off)
	} else {
		if err := writeFooter(tmp, offsets, enc.off); err != nil {
			tmp.Close()
			return err
		}
		tmp.Close()
	}

	// swap the straddler for its rewritten suffix, drop older files
	for i, seg := range l.segments {
		if seg == keep {
			os.Remove(seg.path)
			l.segments[i] = replacement
			break
		}
	}
	l.dropSegmentsBelow(next)
	return nil
}

// FeedStateMachine apply entries sm.LastApplied()+1 .. upTo in index
// order, honoring the machine's backpressure signal when it has one.
func (l *Log) FeedStateMachine(sm StateMachine, upTo uint64) (uint64, error) {
	throttled, _ := sm.(Throttled)

	applied := sm.LastApplied()
	upTo = utils.MinUint64(upTo, l.LastIndex())
	for index := applied + 1; index <= upTo; index++ {
		if throttled != nil {
			<-throttled.Ready()
		}
		entry, ok, err := l.Read(index)
		if err != nil {
			return applied, err
		}
		if !ok {
			return applied, ErrCorruptLog
		}
		if err := sm.Apply(&entry); err != nil {
			return applied, err
		}
		applied = index
	}
	return applied, nil
}

// SegmentOf return the path of the segment file holding index.
func (l *Log) SegmentOf(index uint64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg := l.segmentFor(index)
	if seg == nil {
		return "", false
	}
	return seg.path, true
}

// SegmentsBefore return paths of segments lying entirely below index,
// oldest first. Used by pruning.
func (l *Log) SegmentsBefore(index uint64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var paths []string
	for _, seg := range l.segments {
		if !seg.empty() && seg.last() < index {
			paths = append(paths, seg.path)
		}
	}
	return paths
}

// FirstIndex return the lowest readable index, snapIndex+1 even when
// the log is empty (the virtual first index).
func (l *Log) FirstIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapIndex + 1
}

// LastIndex return the index of the newest entry, or the snapshot
// boundary when the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastIndex
}

// LastTerm return the term of the newest entry.
func (l *Log) LastTerm() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastTerm
}

// SnapshotIndex return the last index covered by the installed
// snapshot.
func (l *Log) SnapshotIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapIndex
}

// Close sync and release the log and its directory lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var first error
	if l.enc != nil {
		if err := l.enc.flush(); err != nil {
			first = err
		}
	}
	if l.tail != nil {
		if err := l.tail.Close(); err != nil && first == nil {
			first = err
		}
		l.tail = nil
	}
	if l.lock != nil {
		syscall.Flock(int(l.lock.Fd()), syscall.LOCK_UN)
		l.lock.Close()
		l.lock = nil
	}
	return first
}
