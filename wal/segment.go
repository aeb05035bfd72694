package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils"
)

// A sealed segment ends with an index footer so random reads need no
// forward scan:
//
//	+---------+-----------+------------------+----------+-----------+
//	| records | zero(4)   | offsets(4 LE × n)| count(4) | magic(8)  |
//	+---------+-----------+------------------+----------+-----------+
//
// The zero length word terminates the record region for scanners. A
// segment without a footer (the active tail, or a tail torn by a
// crash) is recovered by scanning forward.
const footerMagic uint64 = 0x7a6c6f675f696478 // "zlog_idx"

type segment struct {
	path    string
	first   uint64
	offsets []int64 // record start offset per relative index
	bytes   int64   // end of the record region
}

func (s *segment) count() int { return len(s.offsets) }

func (s *segment) empty() bool { return len(s.offsets) == 0 }

// last return the highest index held, or first-1 when empty.
func (s *segment) last() uint64 {
	return s.first + uint64(len(s.offsets)) - 1
}

func (s *segment) contains(index uint64) bool {
	return !s.empty() && index >= s.first && index <= s.last()
}

// readEntryAt decode the record at the given byte offset.
func readEntryAt(file *os.File, off int64) (logpd.Entry, error) {
	var header [recordHeaderSize]byte
	if _, err := file.ReadAt(header[:], off); err != nil {
		return logpd.Entry{}, ErrCorruptLog
	}
	length := binary.LittleEndian.Uint32(header[:4])
	crc := binary.LittleEndian.Uint32(header[4:])

	data := make([]byte, length)
	if _, err := file.ReadAt(data, off+recordHeaderSize); err != nil {
		return logpd.Entry{}, ErrCorruptLog
	}
	if crc32.Checksum(data, crcTable) != crc {
		return logpd.Entry{}, ErrCorruptLog
	}
	entry, err := logpd.UnmarshalEntry(data)
	if err != nil {
		return logpd.Entry{}, ErrCorruptLog
	}
	return entry, nil
}

// readEntry read the entry at index from the segment.
func (s *segment) readEntry(file *os.File, index uint64) (logpd.Entry, error) {
	utils.Assert(s.contains(index), "read %d outside segment [%d, %d]",
		index, s.first, s.last())
	return readEntryAt(file, s.offsets[index-s.first])
}

// writeFooter seal the segment by appending its index footer.
func writeFooter(file *os.File, offsets []int64, at int64) error {
	buf := make([]byte, 0, 4+4*len(offsets)+12)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	for _, off := range offsets {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(off))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(offsets)))
	buf = binary.LittleEndian.AppendUint64(buf, footerMagic)
	if _, err := file.WriteAt(buf, at); err != nil {
		return err
	}
	return file.Sync()
}

// readFooter try to load a sealed segment's index footer. ok is false
// when the segment has no footer and must be scanned.
func readFooter(file *os.File, size int64) (offsets []int64, ok bool) {
	if size < 16 {
		return nil, false
	}
	var tail [12]byte
	if _, err := file.ReadAt(tail[:], size-12); err != nil {
		return nil, false
	}
	if binary.LittleEndian.Uint64(tail[4:]) != footerMagic {
		return nil, false
	}
	count := int64(binary.LittleEndian.Uint32(tail[:4]))
	footerStart := size - 12 - 4*count
	if footerStart < 4 {
		return nil, false
	}
	raw := make([]byte, 4*count)
	if _, err := file.ReadAt(raw, footerStart); err != nil {
		return nil, false
	}
	offsets = make([]int64, count)
	for i := range offsets {
		offsets[i] = int64(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return offsets, true
}

// scanSegment walk the record region forward, collecting record
// offsets and truncating a torn tail when truncate is true. Interior
// corruption (a bad record before the final one) is fatal.
func scanSegment(file *os.File, truncate bool) (offsets []int64, validOff int64, lastEntry logpd.Entry, err error) {
	if _, err = file.Seek(0, io.SeekStart); err != nil {
		return
	}
	dec := makeDecoder(file)
	for {
		var data []byte
		data, err = dec.decode()
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			// torn tail is recoverable, anything before it is not
			if !truncate {
				err = ErrCorruptLog
				return
			}
			if err = file.Truncate(dec.validOff); err != nil {
				return
			}
			err = nil
			break
		}
		entry, uerr := logpd.UnmarshalEntry(data)
		if uerr != nil {
			err = ErrCorruptLog
			return
		}
		offsets = append(offsets, dec.validOff-int64(recordHeaderSize)-int64(paddedSize(int32(len(data)))))
		lastEntry = entry
	}
	validOff = dec.validOff
	return
}
