package shell

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"cfdb/pkg/cfdb"
)

// scanLimit caps the rows /scan prints.
const scanLimit = 100

// CommandContext holds the state available to command handlers.
type CommandContext struct {
	DB       *cfdb.DB
	Terminal *term.Terminal
	Args     []string
}

// CommandHandler processes a shell command. Returns true if the shell
// should exit (e.g., /quit).
type CommandHandler func(ctx CommandContext) bool

// Command describes a registered shell command.
type Command struct {
	Usage   string // full usage for help (e.g., "/get <family> <key>"); defaults to command name
	Help    string
	Handler CommandHandler
}

// CommandRegistry maps command names to handlers and produces dynamic help.
// It is safe for concurrent use. Once frozen (via Freeze), no new commands
// can be registered.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]Command
	order    []string // insertion order for stable help output
	frozen   bool
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{
		commands: make(map[string]Command),
	}
}

// Register adds a command to the registry. The name should include the leading
// slash (e.g., "/quit"). Registering the same name twice overwrites the previous entry.
// Panics if cmd.Handler is nil or if the registry is frozen.
func (r *CommandRegistry) Register(name string, cmd Command) {
	if cmd.Handler == nil {
		panic("shell: Register called with nil handler for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("shell: Register called on frozen registry for " + name)
	}
	if _, exists := r.commands[name]; !exists {
		r.order = append(r.order, name)
	}
	r.commands[name] = cmd
}

// Freeze prevents further command registration. Run calls it.
func (r *CommandRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Dispatch parses a command line and calls the matching handler.
// Returns true if the shell should exit.
func (r *CommandRegistry) Dispatch(line string, db *cfdb.DB, terminal *term.Terminal) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	name := parts[0]
	args := parts[1:]

	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		_, _ = fmt.Fprintf(terminal, "Unknown command: %s (try /help)\r\n", name)
		return false
	}

	return cmd.Handler(CommandContext{
		DB:       db,
		Terminal: terminal,
		Args:     args,
	})
}

// HelpText returns a formatted help string listing all registered commands
// in registration order.
func (r *CommandRegistry) HelpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, name := range r.order {
		cmd := r.commands[name]
		display := name
		if cmd.Usage != "" {
			display = cmd.Usage
		}
		_, _ = fmt.Fprintf(&b, "  %-34s %s\n", display, cmd.Help)
	}
	return b.String()
}

// usage prints the command's usage line when args has fewer than n entries.
func usage(ctx CommandContext, n int, line string) bool {
	if len(ctx.Args) >= n {
		return false
	}
	_, _ = fmt.Fprintf(ctx.Terminal, "Usage: %s\r\n", line)
	return true
}

func family(ctx CommandContext, name string) (*cfdb.Handle, bool) {
	h, err := ctx.DB.ColumnFamily(name)
	if err != nil {
		_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
		return nil, false
	}
	return h, true
}

func report(ctx CommandContext, err error) {
	_, _ = fmt.Fprintf(ctx.Terminal, "Error: %v\r\n", err)
}

// ParseFamilyOptions parses key=value pairs into family options.
func ParseFamilyOptions(args []string) (cfdb.FamilyOptions, error) {
	var o cfdb.FamilyOptions
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return o, fmt.Errorf("option %q is not key=value", arg)
		}
		switch key {
		case "fill_percent":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return o, fmt.Errorf("fill_percent: %w", err)
			}
			o.FillPercent = v
		case "max_value_size":
			v, err := strconv.Atoi(value)
			if err != nil {
				return o, fmt.Errorf("max_value_size: %w", err)
			}
			o.MaxValueSize = v
		case "comment":
			o.Comment = value
		default:
			return o, fmt.Errorf("unknown option %q", key)
		}
	}
	return o, o.Validate()
}

// RegisterBuiltins registers the database commands plus /help and /quit.
func (r *CommandRegistry) RegisterBuiltins() {
	r.Register("/families", Command{
		Usage: "/families [all]",
		Help:  "list column families",
		Handler: func(ctx CommandContext) bool {
			if len(ctx.Args) > 0 && ctx.Args[0] == "all" {
				for _, f := range ctx.DB.Families() {
					_, _ = fmt.Fprintf(ctx.Terminal, "%4d  %-20s %s\r\n", f.ID, f.Name, f.State)
				}
				return false
			}
			handles := ctx.DB.ColumnFamilies()
			names := make([]string, len(handles))
			for i, h := range handles {
				names[i] = h.Name()
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "Families (%d): %s\r\n", len(names), strings.Join(names, ", "))
			return false
		},
	})

	r.Register("/create", Command{
		Usage: "/create <family> [key=value ...]",
		Help:  "create a column family",
		Handler: func(ctx CommandContext) bool {
			if usage(ctx, 1, "/create <family> [fill_percent=F] [max_value_size=N] [comment=S]") {
				return false
			}
			opts, err := ParseFamilyOptions(ctx.Args[1:])
			if err != nil {
				report(ctx, err)
				return false
			}
			h, err := ctx.DB.CreateColumnFamily(ctx.Args[0], opts)
			if err != nil {
				report(ctx, err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "Created %s\r\n", h)
			return false
		},
	})

	r.Register("/drop", Command{
		Usage: "/drop <family>",
		Help:  "drop a column family",
		Handler: func(ctx CommandContext) bool {
			if usage(ctx, 1, "/drop <family>") {
				return false
			}
			h, ok := family(ctx, ctx.Args[0])
			if !ok {
				return false
			}
			if err := ctx.DB.DropColumnFamily(h); err != nil {
				report(ctx, err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "Dropping %s\r\n", h)
			return false
		},
	})

	r.Register("/put", Command{
		Usage: "/put <family> <key> <value>",
		Help:  "write a key",
		Handler: func(ctx CommandContext) bool {
			if usage(ctx, 3, "/put <family> <key> <value>") {
				return false
			}
			h, ok := family(ctx, ctx.Args[0])
			if !ok {
				return false
			}
			value := strings.Join(ctx.Args[2:], " ")
			if err := ctx.DB.Put(h, []byte(ctx.Args[1]), []byte(value)); err != nil {
				report(ctx, err)
				return false
			}
			_, _ = fmt.Fprintln(ctx.Terminal, "OK")
			return false
		},
	})

	r.Register("/get", Command{
		Usage: "/get <family> <key>",
		Help:  "read a key",
		Handler: func(ctx CommandContext) bool {
			if usage(ctx, 2, "/get <family> <key>") {
				return false
			}
			h, ok := family(ctx, ctx.Args[0])
			if !ok {
				return false
			}
			v, err := ctx.DB.Get(h, []byte(ctx.Args[1]))
			if errors.Is(err, cfdb.ErrKeyNotFound) {
				_, _ = fmt.Fprintln(ctx.Terminal, "(not found)")
				return false
			}
			if err != nil {
				report(ctx, err)
				return false
			}
			_, _ = fmt.Fprintf(ctx.Terminal, "%s\r\n", v)
			return false
		},
	})

	r.Register("/del", Command{
		Usage: "/del <family> <key>",
		Help:  "delete a key",
		Handler: func(ctx CommandContext) bool {
			if usage(ctx, 2, "/del <family> <key>") {
				return false
			}
			h, ok := family(ctx, ctx.Args[0])
			if !ok {
				return false
			}
			if err := ctx.DB.Delete(h, []byte(ctx.Args[1])); err != nil {
				report(ctx, err)
				return false
			}
			_, _ = fmt.Fprintln(ctx.Terminal, "OK")
			return false
		},
	})

	r.Register("/scan", Command{
		Usage: "/scan <family> [prefix]",
		Help:  "list keys by prefix",
		Handler: func(ctx CommandContext) bool {
			if usage(ctx, 1, "/scan <family> [prefix]") {
				return false
			}
			h, ok := family(ctx, ctx.Args[0])
			if !ok {
				return false
			}
			var prefix []byte
			if len(ctx.Args) > 1 {
				prefix = []byte(ctx.Args[1])
			}
			errLimit := errors.New("limit")
			n := 0
			err := ctx.DB.Scan(h, prefix, func(k, v []byte) error {
				if n == scanLimit {
					return errLimit
				}
				n++
				_, _ = fmt.Fprintf(ctx.Terminal, "%s = %s\r\n", k, v)
				return nil
			})
			switch {
			case errors.Is(err, errLimit):
				_, _ = fmt.Fprintf(ctx.Terminal, "(first %d keys)\r\n", scanLimit)
			case err != nil:
				report(ctx, err)
			default:
				_, _ = fmt.Fprintf(ctx.Terminal, "(%d keys)\r\n", n)
			}
			return false
		},
	})

	r.Register("/quit", Command{
		Help: "leave the shell",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprintln(ctx.Terminal, "Goodbye.")
			return true
		},
	})

	r.Register("/help", Command{
		Help: "show this help",
		Handler: func(ctx CommandContext) bool {
			_, _ = fmt.Fprint(ctx.Terminal, r.HelpText())
			return false
		},
	})
}
