package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
)

// Record framing within a segment file:
//
//	+-----------+------------+---------+------------+
//	| len(4 LE) | crc32c(4)  |  data   | 0-padding  |
//	+-----------+------------+---------+------------+
//
// Records are padded to an 8-byte boundary. A zero length marks the
// end of records: either unwritten space or the start of the index
// footer.
const (
	recordHeaderSize       = 8
	frameSizeBytes   int32 = 8
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	ErrCRCMismatch = errors.New("wal: crc mismatch")
)

type encoder struct {
	file *os.File
	off  int64
}

func makeEncoder(file *os.File, off int64) *encoder {
	return &encoder{file: file, off: off}
}

// encode append one record and return its starting byte offset.
func (e *encoder) encode(data []byte) (int64, error) {
	start := e.off

	length := int32(len(data))
	buf := make([]byte, 0, recordHeaderSize+paddedSize(length))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(length))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(data, crcTable))
	buf = append(buf, data...)
	buf = append(buf, make([]byte, paddedSize(length)-length)...)

	if _, err := e.file.WriteAt(buf, start); err != nil {
		return 0, err
	}
	e.off += int64(len(buf))
	return start, nil
}

func (e *encoder) flush() error {
	return e.file.Sync()
}

func paddedSize(length int32) int32 {
	return (length + frameSizeBytes - 1) / frameSizeBytes * frameSizeBytes
}

type decoder struct {
	br       *bufio.Reader
	validOff int64
}

func makeDecoder(r io.Reader) *decoder {
	return &decoder{br: bufio.NewReader(r)}
}

// decode read the next record. io.EOF means a clean end of records;
// io.ErrUnexpectedEOF means a torn tail write. The returned slice is
// freshly allocated.
func (d *decoder) decode() ([]byte, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(d.br, header[:4]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, io.EOF
	}
	length := int32(binary.LittleEndian.Uint32(header[:4]))
	if length == 0 {
		// unwritten space or footer marker
		return nil, io.EOF
	}

	if _, err := io.ReadFull(d.br, header[4:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	crc := binary.LittleEndian.Uint32(header[4:])

	data := make([]byte, paddedSize(length))
	if _, err := io.ReadFull(d.br, data); err != nil {
		// ReadFull returns io.EOF only if no bytes were read;
		// a half record is a torn write either way.
		return nil, io.ErrUnexpectedEOF
	}
	data = data[:length]
	if crc32.Checksum(data, crcTable) != crc {
		return nil, ErrCRCMismatch
	}

	d.validOff += recordHeaderSize + int64(paddedSize(length))
	return data, nil
}
