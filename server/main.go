package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zhaobenny/tokentracker/internal/model"
	"github.com/zhaobenny/tokentracker/server/internal/config"
	"github.com/zhaobenny/tokentracker/server/internal/database"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		return runServe(args)
	case "prune":
		return runPrune(args)
	case "summary":
		return runSummary(args)
	case "version":
		fmt.Printf("tokentracker-proxy version %s\n", version)
		return 0
	case "help":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `tokentracker-proxy - token accounting proxy for the Anthropic API

Usage: tokentracker-proxy [command] [options]

Commands:
  serve     Run the proxy (default)
  prune     Delete records older than a retention horizon
  summary   Print daily usage as JSON lines
  version   Show version

Examples:
  tokentracker-proxy --port 5005 --db ~/.tokentracker/usage.db
  tokentracker-proxy prune --days 90 --vacuum
  tokentracker-proxy summary --since 20250101
`)
}

// parseFlags parses args and maps --help to a zero exit code.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

// openStore opens and migrates the database for the maintenance commands.
func openStore(ctx context.Context, dbFlag string) (*database.DB, error) {
	path := dbFlag
	if path == "" {
		path = config.Default().DB
	}
	cfg := &config.Config{DB: path}
	expanded, err := cfg.DBPath()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(expanded)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	var (
		dbPath string
		days   int
		vacuum bool
	)
	fs.StringVar(&dbPath, "db", "", "Database path (default ~/.tokentracker/usage.db)")
	fs.IntVar(&days, "days", 0, "Delete records older than this many days")
	fs.BoolVar(&vacuum, "vacuum", false, "Reclaim free space after pruning")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	if days <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --days must be a positive number of days.\n")
		return 2
	}

	ctx := context.Background()
	db, err := openStore(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	removed, err := db.Prune(ctx, time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Pruned %d records older than %d days.\n", removed, days)

	if vacuum {
		if err := db.Vacuum(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println("Database vacuumed.")
	}
	return 0
}

func runSummary(args []string) int {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	var (
		dbPath string
		since  string
		until  string
	)
	fs.StringVar(&dbPath, "db", "", "Database path (default ~/.tokentracker/usage.db)")
	fs.StringVar(&since, "since", "", "Start date filter (YYYYMMDD, UTC)")
	fs.StringVar(&until, "until", "", "End date filter, inclusive (YYYYMMDD, UTC)")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	from, to, err := parseRange(since, until)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	db, err := openStore(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	rows, err := db.UsageByDay(ctx, from, to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := writeSummary(os.Stdout, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// parseRange turns YYYYMMDD bounds into [from, to). until covers its whole day.
func parseRange(since, until string) (from, to time.Time, err error) {
	if since != "" {
		from, err = time.Parse("20060102", since)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid --since date format, use YYYYMMDD")
		}
	}
	if until != "" {
		to, err = time.Parse("20060102", until)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid --until date format, use YYYYMMDD")
		}
		to = to.AddDate(0, 0, 1)
	}
	return from, to, nil
}

func writeSummary(w io.Writer, rows []model.AggregatedUsage) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}
