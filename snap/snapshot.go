package snap

import (
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// A snapshot file carries the compacted prefix of the log:
//
//	+----------------------+----------------------+-------------+------+
//	| lastIncludedIdx(8 LE)| lastIncludedTerm(4 LE)| dataSize(8) | data |
//	+----------------------+----------------------+-------------+------+
//
// Writes stream into a temporary file next to the final path and are
// renamed into place once complete. Stale temporaries are swept at
// startup.
const headerSize = 20

var (
	ErrBadHeader  = errors.New("snap: malformed snapshot header")
	ErrShortRead  = errors.New("snap: truncated snapshot data")
	ErrUnfinished = errors.New("snap: writer not committed")
)

const tempSuffix = ".tmp"

// Meta identify the log prefix a snapshot replaces.
type Meta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint32
	DataSize          uint64
}

func (m Meta) String() string {
	return fmt.Sprintf("snap.Meta{idx: %d, term: %d, size: %d}",
		m.LastIncludedIndex, m.LastIncludedTerm, m.DataSize)
}

// Writer streams a snapshot to disk. The header is persisted first;
// Ready fires once it is durable so readers on a dedicated install
// channel may begin streaming the body behind the writer.
type Writer struct {
	path  string
	file  *os.File
	ready chan struct{}
	wrote uint64
	meta  Meta
	done  bool
}

// MakeWriter open a temporary file next to path and persist the
// header for the given metadata.
func MakeWriter(path string, meta Meta) (*Writer, error) {
	tmp := fmt.Sprintf("%s%s-%d", path, tempSuffix, os.Getpid())
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerSize)
	header = binary.LittleEndian.AppendUint64(header, meta.LastIncludedIndex)
	header = binary.LittleEndian.AppendUint32(header, meta.LastIncludedTerm)
	header = binary.LittleEndian.AppendUint64(header, meta.DataSize)
	if _, err := file.Write(header); err != nil {
		file.Close()
		os.Remove(tmp)
		return nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return nil, err
	}

	w := &Writer{path: path, file: file, ready: make(chan struct{}), meta: meta}
	close(w.ready)
	return w, nil
}

// Ready is closed once the header is durable.
func (w *Writer) Ready() <-chan struct{} { return w.ready }

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.wrote += uint64(n)
	return n, err
}

// Commit fsync the body and atomically replace the snapshot at the
// final path. The byte count must match the declared data size.
func (w *Writer) Commit() error {
	if w.done {
		return nil
	}
	if w.wrote != w.meta.DataSize {
		w.Abort()
		return fmt.Errorf("snap: wrote %d of %d declared bytes: %w",
			w.wrote, w.meta.DataSize, ErrUnfinished)
	}
	if err := w.file.Sync(); err != nil {
		w.Abort()
		return err
	}
	name := w.file.Name()
	if err := w.file.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, w.path); err != nil {
		os.Remove(name)
		return err
	}
	w.done = true
	log.Infof("snap: committed %v to %s", w.meta, w.path)
	return nil
}

// Abort discard the temporary file.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	name := w.file.Name()
	w.file.Close()
	os.Remove(name)
	w.done = true
}

// Reader gives random access to a snapshot's stored body for chunked
// transfers; Body inflates a gzip-compressed body, ReadChunkAt does
// not.
type Reader struct {
	file       *os.File
	meta       Meta
	compressed bool
}

// OpenReader open the snapshot at path and validate its header.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	var header [headerSize]byte
	if _, err := io.ReadFull(file, header[:]); err != nil {
		file.Close()
		return nil, ErrBadHeader
	}
	meta := Meta{
		LastIncludedIndex: binary.LittleEndian.Uint64(header[:8]),
		LastIncludedTerm:  binary.LittleEndian.Uint32(header[8:12]),
		DataSize:          binary.LittleEndian.Uint64(header[12:]),
	}

	var magic [2]byte
	compressed := false
	if _, err := file.ReadAt(magic[:], headerSize); err == nil {
		compressed = magic[0] == 0x1f && magic[1] == 0x8b
	}
	return &Reader{file: file, meta: meta, compressed: compressed}, nil
}

func (r *Reader) Meta() Meta { return r.meta }

// Compressed report whether the body is gzip data. A compressed body
// may be served raw (chunked as stored) or inflated.
func (r *Reader) Compressed() bool { return r.compressed }

// Size return the stored body size in bytes.
func (r *Reader) Size() (uint64, error) {
	info, err := r.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size() - headerSize), nil
}

// ReadChunkAt read size bytes of the stored body at off. Short data
// at the declared range is an error.
func (r *Reader) ReadChunkAt(off, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := r.file.ReadAt(buf, headerSize+int64(off)); err != nil {
		return nil, ErrShortRead
	}
	return buf, nil
}

// Body return a reader over the logical (inflated) body.
func (r *Reader) Body() (io.ReadCloser, error) {
	if _, err := r.file.Seek(headerSize, io.SeekStart); err != nil {
		return nil, err
	}
	if !r.compressed {
		return io.NopCloser(io.Reader(r.file)), nil
	}
	return gzip.NewReader(r.file)
}

func (r *Reader) Close() error { return r.file.Close() }

// ReadMeta read only the header of the snapshot at path. ok=false
// when no snapshot exists yet.
func ReadMeta(path string) (Meta, bool, error) {
	r, err := OpenReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, err
	}
	defer r.Close()
	return r.meta, true, nil
}

// SweepTemp remove orphaned temporary snapshot files in dir.
func SweepTemp(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), tempSuffix) {
			/* ignore return value */
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
