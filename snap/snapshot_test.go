package snap

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTestSnapshot(t *testing.T, path string, meta Meta, data []byte) {
	t.Helper()
	w, err := MakeWriter(path, meta)
	if err != nil {
		t.Fatalf("make writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := w.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap")
	data := []byte("serialized application state")
	meta := Meta{LastIncludedIndex: 500, LastIncludedTerm: 3, DataSize: uint64(len(data))}
	writeTestSnapshot(t, path, meta, data)

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.Meta() != meta {
		t.Fatalf("meta: want %v, got %v", meta, r.Meta())
	}
	body, err := r.Body()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(body)
	body.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("body mismatch: %q", got)
	}
}

func TestReadyFiresBeforeBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap")
	w, err := MakeWriter(path, Meta{LastIncludedIndex: 1, LastIncludedTerm: 1, DataSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-w.Ready():
	default:
		t.Fatal("ready must fire once the header is durable")
	}
	w.Abort()
}

func TestCommitChecksDeclaredSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap")
	w, err := MakeWriter(path, Meta{LastIncludedIndex: 1, LastIncludedTerm: 1, DataSize: 10})
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("shor"))
	if err := w.Commit(); err == nil {
		t.Fatal("short body committed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("aborted snapshot left the final file behind")
	}
}

func TestReadChunkAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap")
	data := bytes.Repeat([]byte("0123456789"), 100)
	writeTestSnapshot(t, path,
		Meta{LastIncludedIndex: 7, LastIncludedTerm: 2, DataSize: uint64(len(data))}, data)

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	size, err := r.Size()
	if err != nil || size != uint64(len(data)) {
		t.Fatalf("size: %d, err %v", size, err)
	}
	chunk, err := r.ReadChunkAt(10, 20)
	if err != nil || !bytes.Equal(chunk, data[10:30]) {
		t.Fatalf("chunk mismatch: %q, err %v", chunk, err)
	}
	if _, err := r.ReadChunkAt(size-5, 10); err == nil {
		t.Fatal("read past end succeeded")
	}
}

func TestCompressedBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap")
	plain := bytes.Repeat([]byte("state "), 512)

	var buf bytes.Buffer
	zw, _ := gzip.NewWriterLevel(&buf, 6)
	zw.Write(plain)
	zw.Close()

	writeTestSnapshot(t, path, Meta{
		LastIncludedIndex: 9, LastIncludedTerm: 1, DataSize: uint64(buf.Len()),
	}, buf.Bytes())

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if !r.Compressed() {
		t.Fatal("gzip body not detected")
	}
	body, err := r.Body()
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(body)
	body.Close()
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("inflated body mismatch (err %v)", err)
	}
}

func TestSweepTemp(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "snap")
	stale := filepath.Join(dir, "snap.tmp-1234")
	os.WriteFile(keep, []byte("x"), 0600)
	os.WriteFile(stale, []byte("y"), 0600)

	if err := SweepTemp(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale temp survived the sweep")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatal("committed snapshot was swept")
	}
}

func TestReadMetaMissing(t *testing.T) {
	_, ok, err := ReadMeta(filepath.Join(t.TempDir(), "none"))
	if err != nil || ok {
		t.Fatalf("missing snapshot: ok %v, err %v", ok, err)
	}
}
