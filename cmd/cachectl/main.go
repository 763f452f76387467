// Command cachectl maintains the shared Postgres state of the service.
//
// Usage:
//
//	go run ./cmd/cachectl sweep-locks   # drop cache locks whose lease expired
//	go run ./cmd/cachectl sweep-jobs    # drop terminal job records past expiry
//	go run ./cmd/cachectl clear-jobs    # drop every job record
//
// DATABASE_URL selects the database, read from the environment or a .env file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/adapter/postgres"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	timeout := flag.Duration("timeout", time.Minute, "give up after this long")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: cachectl [-timeout d] sweep-locks|sweep-jobs|clear-jobs\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, flag.Arg(0), os.Getenv("DATABASE_URL")); err != nil {
		fmt.Fprintln(os.Stderr, "cachectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command, dsn string) error {
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	now := time.Now().UTC()
	switch command {
	case "sweep-locks":
		n, err := postgres.NewEntryStore(db).DeleteExpiredLocks(ctx, now)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired cache locks\n", n)
	case "sweep-jobs":
		ids, err := postgres.NewJobStore(db).DeleteExpired(ctx, now)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired job records\n", len(ids))
	case "clear-jobs":
		n, err := postgres.NewJobStore(db).DeleteAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d job records\n", n)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	return nil
}
