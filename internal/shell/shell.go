// Package shell is an interactive terminal over an open database.
package shell

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"

	"cfdb/internal/logging"
	"cfdb/pkg/cfdb"
)

var logger = logging.For("shell")

// Run reads commands from rw until /quit or EOF. Lifecycle events of the
// database are printed as they happen.
func Run(rw io.ReadWriter, db *cfdb.DB, commands *CommandRegistry) error {
	commands.Freeze()
	terminal := term.NewTerminal(rw, "cfdb> ")

	// Sender goroutine: database events → terminal
	sub := db.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C {
			_, _ = fmt.Fprintf(terminal, "* %s\r\n", ev)
		}
	}()
	defer func() {
		db.Unsubscribe(sub)
		<-done
	}()

	_, _ = fmt.Fprintf(terminal, "cfdb shell on %s\r\n", db.Path())
	_, _ = fmt.Fprintln(terminal, "Type /help for commands.")
	logger.Debug("shell started", "path", db.Path())

	for {
		line, err := terminal.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			_, _ = fmt.Fprintln(terminal, "Commands start with / (try /help)")
			continue
		}
		if commands.Dispatch(line, db, terminal) {
			return nil
		}
	}
}
