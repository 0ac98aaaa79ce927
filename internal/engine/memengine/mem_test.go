package memengine

import (
	"errors"
	"fmt"
	"testing"

	"cfdb/internal/engine"
)

func TestManifestSurvivesReopen(t *testing.T) {
	s := NewStore()
	e := Open(s, nil)
	for i := 0; i < 3; i++ {
		off, err := e.AppendManifestRecord([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		if off != uint64(i+1) {
			t.Errorf("offset: got %d, want %d", off, i+1)
		}
	}
	e.Close()
	if _, err := e.AppendManifestRecord(nil); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("append after close: got %v", err)
	}

	e2 := Open(s, nil)
	var got []byte
	err := e2.ReadManifest(2, func(_ uint64, rec []byte) error {
		got = append(got, rec...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("replay from 2: got %v", got)
	}
}

func TestAppendHook(t *testing.T) {
	boom := errors.New("disk full")
	s := NewStore()
	e := Open(s, &Hooks{BeforeAppend: func([]byte) error { return boom }})
	if _, err := e.AppendManifestRecord([]byte("x")); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if s.ManifestLen() != 0 {
		t.Fatal("failed append must not be recorded")
	}
}

func TestKeyspaceOps(t *testing.T) {
	s := NewStore()
	e := Open(s, nil)
	ks, err := e.AllocateKeyspace(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := ks.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if err := ks.Put(nil, []byte("v")); err == nil {
		t.Error("empty key should be rejected")
	}
	if err := ks.Delete([]byte("k3")); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Get([]byte("k3")); !errors.Is(err, engine.ErrKeyNotFound) {
		t.Fatalf("Get deleted: got %v", err)
	}
	var keys []string
	if err := ks.Scan([]byte("k"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(keys) != "[k0 k1 k2 k4]" {
		t.Fatalf("Scan: got %v", keys)
	}
}

func TestScanCallbackMayWrite(t *testing.T) {
	ks, _ := Open(NewStore(), nil).AllocateKeyspace(4, nil)
	n := 2*scanPage + 1
	for i := 0; i < n; i++ {
		if err := ks.Put([]byte(fmt.Sprintf("a/%04d", i)), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	visited := 0
	err := ks.Scan([]byte("a/"), func(k, _ []byte) error {
		visited++
		return ks.Put(append([]byte("b/"), k...), []byte("copy"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if visited != n {
		t.Fatalf("visited %d keys, want %d", visited, n)
	}
	copied := 0
	if err := ks.Scan([]byte("b/"), func(_, _ []byte) error { copied++; return nil }); err != nil {
		t.Fatal(err)
	}
	if copied != n {
		t.Fatalf("copied %d keys, want %d", copied, n)
	}
}

func TestAllocateSameIDSharesData(t *testing.T) {
	s := NewStore()
	e := Open(s, nil)
	a, _ := e.AllocateKeyspace(9, nil)
	if err := a.Put([]byte("a"), []byte("b")); err != nil {
		t.Fatal(err)
	}
	e.Close()

	b, err := Open(s, nil).AllocateKeyspace(9, nil)
	if err != nil {
		t.Fatal(err)
	}
	val, err := b.Get([]byte("a"))
	if err != nil || string(val) != "b" {
		t.Fatalf("got %q, %v", val, err)
	}
}

func TestRelease(t *testing.T) {
	s := NewStore()
	e := Open(s, nil)
	ks, _ := e.AllocateKeyspace(1, nil)
	if s.KeyspaceCount() != 1 {
		t.Fatalf("keyspaces: got %d", s.KeyspaceCount())
	}
	if err := e.ReleaseKeyspace(ks); err != nil {
		t.Fatal(err)
	}
	if s.KeyspaceCount() != 0 {
		t.Fatalf("keyspaces after release: got %d", s.KeyspaceCount())
	}
	if err := ks.Put([]byte("a"), nil); !errors.Is(err, engine.ErrReleased) {
		t.Fatalf("Put after release: got %v", err)
	}
}

func TestReleaseForeignKeyspace(t *testing.T) {
	ks, _ := Open(NewStore(), nil).AllocateKeyspace(1, nil)
	if err := Open(NewStore(), nil).ReleaseKeyspace(ks); err == nil {
		t.Fatal("releasing another store's keyspace should fail")
	}
}
