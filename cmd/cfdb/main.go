package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"cfdb/internal/config"
	"cfdb/internal/logging"
	"cfdb/pkg/cfdb"
)

const usageText = `usage: cfdb [flags] <command> [args]

commands:
  list                              list live column families (read-only)
  families                          list every family with its state
  create <family> [key=value ...]   create a column family
  drop <family>                     drop a column family and wait for reclaim
  put <family> <key> <value>        write a key
  get <family> <key>                read a key
  del <family> <key>                delete a key
  scan <family> [prefix]            list keys by prefix
  shell                             interactive shell
  lifecycle [n]                     create, write, read and drop n families

flags:
`

func main() {
	configPath := flag.String("config", "", "path to config file")
	dbPath := flag.String("path", "", "database directory (overrides config)")
	backend := flag.String("backend", "", "storage backend: bolt, badger or memory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logFile := flag.String("log-file", "", "write logs to this file instead of stderr")
	flag.Usage = func() {
		_, _ = fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load config (TOML file with defaults)
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// CLI flags override config file values
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if *backend != "" {
		cfg.Database.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.Database.Path = config.ExpandHome(cfg.Database.Path)

	command, args := flag.Arg(0), flag.Args()[1:]

	var logOut io.Writer = os.Stderr
	switch {
	case *logFile != "":
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			log.Fatalf("log file: %v", err)
		}
		defer f.Close()
		logOut = f
	case command == "shell":
		// Keep log lines off the interactive terminal.
		logOut = io.Discard
	}
	logging.InitTo(logOut, cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, command, args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "cfdb %s: %v\n", command, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, command string, args []string) error {
	opts := optionsFromConfig(cfg)

	if command == "list" {
		names, err := cfdb.ListColumnFamilies(cfg.Database.Path, opts)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(names, "\n"))
		return nil
	}

	cmd, ok := commands[command]
	if !ok {
		flag.Usage()
		return fmt.Errorf("unknown command")
	}
	if len(args) < cmd.minArgs {
		return fmt.Errorf("usage: cfdb %s", cmd.usage)
	}

	db, _, err := cfdb.Open(cfg.Database.Path, opts, cfg.Families)
	if err != nil {
		return err
	}
	defer db.Close()
	return cmd.run(db, args)
}

func optionsFromConfig(cfg *config.Config) *cfdb.Options {
	return &cfdb.Options{
		Backend:              strings.ToLower(cfg.Database.Backend),
		CreateIfMissing:      cfg.Database.CreateIfMissing,
		LockTimeout:          cfg.Database.LockTimeout.Duration,
		ReclaimWorkers:       cfg.Reclaim.Workers,
		DefaultFamilyOptions: cfg.Database.DefaultFamily,
	}
}
