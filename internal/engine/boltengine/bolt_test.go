package boltengine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cfdb/internal/engine"
)

func tempEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path, &Options{NoSync: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e, path
}

func TestOpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.Path() != path {
		t.Errorf("Path: got %q, want %q", e.Path(), path)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file should exist: %v", err)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/dir/test.db", nil); err == nil {
		t.Fatal("opening db in nonexistent dir should fail")
	}
}

func TestManifestAppendAndRead(t *testing.T) {
	e, _ := tempEngine(t)

	var offsets []uint64
	for _, rec := range []string{"one", "two", "three"} {
		off, err := e.AppendManifestRecord([]byte(rec))
		if err != nil {
			t.Fatal(err)
		}
		offsets = append(offsets, off)
	}
	if !(offsets[0] < offsets[1] && offsets[1] < offsets[2]) {
		t.Fatalf("offsets should grow: %v", offsets)
	}

	var got []string
	err := e.ReadManifest(0, func(_ uint64, rec []byte) error {
		got = append(got, string(rec))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != "one" || got[2] != "three" {
		t.Fatalf("replay: got %v", got)
	}

	got = got[:0]
	err = e.ReadManifest(offsets[1], func(_ uint64, rec []byte) error {
		got = append(got, string(rec))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "two" {
		t.Fatalf("replay from offset: got %v", got)
	}
}

func TestReadManifestStopsOnError(t *testing.T) {
	e, _ := tempEngine(t)
	for i := 0; i < 3; i++ {
		if _, err := e.AppendManifestRecord([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	stop := errors.New("stop")
	n := 0
	err := e.ReadManifest(0, func(uint64, []byte) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) || n != 1 {
		t.Fatalf("got err=%v after %d calls", err, n)
	}
}

func TestKeyspaceIsolation(t *testing.T) {
	e, _ := tempEngine(t)
	a, err := e.AllocateKeyspace(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.AllocateKeyspace(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Put([]byte("k"), []byte("from-a")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get([]byte("k")); !errors.Is(err, engine.ErrKeyNotFound) {
		t.Fatalf("keyspace b should not see a's key, got %v", err)
	}
	val, err := a.Get([]byte("k"))
	if err != nil || string(val) != "from-a" {
		t.Fatalf("Get: got %q, %v", val, err)
	}
}

func TestKeyspaceDeleteAndScan(t *testing.T) {
	e, _ := tempEngine(t)
	ks, err := e.AllocateKeyspace(7, []byte("fill_percent = 0.9\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"user/1", "user/2", "order/1"} {
		if err := ks.Put([]byte(k), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if err := ks.Delete([]byte("user/2")); err != nil {
		t.Fatal(err)
	}
	var keys []string
	err = ks.Scan([]byte("user/"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "user/1" {
		t.Fatalf("Scan: got %v", keys)
	}
}

func TestScanCallbackMayWrite(t *testing.T) {
	e, _ := tempEngine(t)
	ks, err := e.AllocateKeyspace(3, nil)
	if err != nil {
		t.Fatal(err)
	}
	n := 3*scanPage + 5
	for i := 0; i < n; i++ {
		if err := ks.Put([]byte(fmt.Sprintf("src/%05d", i)), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}

	// Large values grow the file, so bolt has to remap while the scan is
	// still in progress.
	big := bytes.Repeat([]byte("x"), 4096)
	var visited []string
	err = ks.Scan([]byte("src/"), func(k, _ []byte) error {
		visited = append(visited, string(k))
		return ks.Put(append([]byte("dst/"), k...), big)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(visited) != n {
		t.Fatalf("visited %d keys, want %d", len(visited), n)
	}
	for i, k := range visited {
		if want := fmt.Sprintf("src/%05d", i); k != want {
			t.Fatalf("visited[%d] = %q, want %q", i, k, want)
		}
	}
	if v, err := ks.Get([]byte(fmt.Sprintf("dst/src/%05d", n-1))); err != nil || len(v) != len(big) {
		t.Fatalf("write from scan callback: %d bytes, %v", len(v), err)
	}
}

func TestAllocateRejectsBadOptions(t *testing.T) {
	e, _ := tempEngine(t)
	if _, err := e.AllocateKeyspace(1, []byte("bogus = 1\n")); err == nil {
		t.Fatal("expected options error")
	}
}

func TestReleaseKeyspace(t *testing.T) {
	e, _ := tempEngine(t)
	ks, err := e.AllocateKeyspace(3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ks.Put([]byte("a"), []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := e.ReleaseKeyspace(ks); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Get([]byte("a")); !errors.Is(err, engine.ErrReleased) {
		t.Fatalf("Get after release: got %v", err)
	}
	if err := ks.Put([]byte("a"), []byte("b")); !errors.Is(err, engine.ErrReleased) {
		t.Fatalf("Put after release: got %v", err)
	}
	// Releasing twice is harmless.
	if err := e.ReleaseKeyspace(ks); err != nil {
		t.Fatal(err)
	}

	// A fresh allocation of the same id starts empty.
	again, err := e.AllocateKeyspace(3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := again.Get([]byte("a")); !errors.Is(err, engine.ErrKeyNotFound) {
		t.Fatalf("released data should be gone, got %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AppendManifestRecord([]byte("rec")); err != nil {
		t.Fatal(err)
	}
	ks, err := e.AllocateKeyspace(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ks.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	e.Close()

	e2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()
	n := 0
	_ = e2.ReadManifest(0, func(uint64, []byte) error { n++; return nil })
	if n != 1 {
		t.Errorf("expected 1 manifest record after reopen, got %d", n)
	}
	ks2, err := e2.AllocateKeyspace(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	val, err := ks2.Get([]byte("k"))
	if err != nil || string(val) != "v" {
		t.Fatalf("Get after reopen: got %q, %v", val, err)
	}
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.AppendManifestRecord([]byte("rec")); err != nil {
		t.Fatal(err)
	}
	e.Close()

	ro, err := Open(path, &Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer ro.Close()
	if _, err := ro.AppendManifestRecord([]byte("x")); !errors.Is(err, engine.ErrReadOnly) {
		t.Fatalf("append on read-only: got %v", err)
	}
	if _, err := ro.AllocateKeyspace(1, nil); !errors.Is(err, engine.ErrReadOnly) {
		t.Fatalf("allocate on read-only: got %v", err)
	}
	n := 0
	_ = ro.ReadManifest(0, func(uint64, []byte) error { n++; return nil })
	if n != 1 {
		t.Errorf("read-only replay: got %d records", n)
	}
}

func TestLockTimeout(t *testing.T) {
	e, path := tempEngine(t)
	_ = e
	if _, err := Open(path, &Options{Timeout: 50 * time.Millisecond}); err == nil {
		t.Fatal("second writer should time out on the file lock")
	}
}
