package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"golang.org/x/term"

	"cfdb/internal/shell"
	"cfdb/pkg/cfdb"
)

// reclaimTimeout bounds how long drop waits for the background reclaim.
const reclaimTimeout = time.Minute

type subcommand struct {
	usage   string
	minArgs int
	run     func(db *cfdb.DB, args []string) error
}

var commands = map[string]subcommand{
	"families":  {"families", 0, runFamilies},
	"create":    {"create <family> [key=value ...]", 1, runCreate},
	"drop":      {"drop <family>", 1, runDrop},
	"put":       {"put <family> <key> <value>", 3, runPut},
	"get":       {"get <family> <key>", 2, runGet},
	"del":       {"del <family> <key>", 2, runDel},
	"scan":      {"scan <family> [prefix]", 1, runScan},
	"shell":     {"shell", 0, runShell},
	"lifecycle": {"lifecycle [n]", 0, runLifecycle},
}

func runFamilies(db *cfdb.DB, _ []string) error {
	for _, f := range db.Families() {
		fmt.Printf("%4d  %-20s %s\n", f.ID, f.Name, f.State)
	}
	return nil
}

func runCreate(db *cfdb.DB, args []string) error {
	opts, err := shell.ParseFamilyOptions(args[1:])
	if err != nil {
		return err
	}
	h, err := db.CreateColumnFamily(args[0], opts)
	if err != nil {
		return err
	}
	fmt.Printf("created %s\n", h)
	return nil
}

func runDrop(db *cfdb.DB, args []string) error {
	h, err := db.ColumnFamily(args[0])
	if err != nil {
		return err
	}
	if err := db.DropColumnFamily(h); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
	defer cancel()
	if err := db.WaitReclaimed(ctx, h); err != nil {
		return fmt.Errorf("reclaiming %s: %w", h, err)
	}
	fmt.Printf("dropped %s\n", h)
	return nil
}

func runPut(db *cfdb.DB, args []string) error {
	h, err := db.ColumnFamily(args[0])
	if err != nil {
		return err
	}
	return db.Put(h, []byte(args[1]), []byte(args[2]))
}

func runGet(db *cfdb.DB, args []string) error {
	h, err := db.ColumnFamily(args[0])
	if err != nil {
		return err
	}
	v, err := db.Get(h, []byte(args[1]))
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", v)
	return nil
}

func runDel(db *cfdb.DB, args []string) error {
	h, err := db.ColumnFamily(args[0])
	if err != nil {
		return err
	}
	return db.Delete(h, []byte(args[1]))
}

func runScan(db *cfdb.DB, args []string) error {
	h, err := db.ColumnFamily(args[0])
	if err != nil {
		return err
	}
	var prefix []byte
	if len(args) > 1 {
		prefix = []byte(args[1])
	}
	return db.Scan(h, prefix, func(k, v []byte) error {
		fmt.Printf("%s\t%s\n", k, v)
		return nil
	})
}

type readWriter struct {
	io.Reader
	io.Writer
}

func runShell(db *cfdb.DB, _ []string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("shell needs an interactive terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, oldState) }()

	reg := shell.NewCommandRegistry()
	reg.RegisterBuiltins()
	return shell.Run(readWriter{os.Stdin, os.Stdout}, db, reg)
}

// runLifecycle creates families "0".."n-1", writes a->b into each, reads
// it back and drops the family, then waits for every reclaim.
func runLifecycle(db *cfdb.DB, args []string) error {
	n := 200
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return fmt.Errorf("bad family count %q", args[0])
		}
		n = v
	}

	start := time.Now()
	handles := make([]*cfdb.Handle, 0, n)
	for i := 0; i < n; i++ {
		name := strconv.Itoa(i)
		h, err := db.CreateColumnFamily(name, cfdb.FamilyOptions{})
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if err := db.Put(h, []byte("a"), []byte("b")); err != nil {
			return fmt.Errorf("put %s: %w", name, err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		v, err := db.Get(h, []byte("a"))
		if err != nil {
			return fmt.Errorf("get %s: %w", h, err)
		}
		if string(v) != "b" {
			return fmt.Errorf("get %s: got %q, want %q", h, v, "b")
		}
		if err := db.DropColumnFamily(h); err != nil {
			return fmt.Errorf("drop %s: %w", h, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
	defer cancel()
	for _, h := range handles {
		if err := db.WaitReclaimed(ctx, h); err != nil {
			return fmt.Errorf("reclaim %s: %w", h, err)
		}
	}
	fmt.Printf("%d families created, written, read and dropped in %s\n", n, time.Since(start).Round(time.Millisecond))
	return nil
}
