package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"scoparia/internal/storage"
	"scoparia/migrations"
)

func main() {
	dbPath := flag.String("db", envOrDefault("DATABASE_PATH", "./data/scoparia.db"), "path to sqlite database")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-db path] <command> [args]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  up                 Migrate to the latest version")
		fmt.Fprintln(os.Stderr, "  down               Roll back one version")
		fmt.Fprintln(os.Stderr, "  status             Show migration status")
		fmt.Fprintln(os.Stderr, "  checkpoints        List feed checkpoints")
		fmt.Fprintln(os.Stderr, "  forget <site_url>  Drop a feed checkpoint so the next run starts over")
		os.Exit(1)
	}

	switch cmd := args[0]; cmd {
	case "checkpoints", "forget":
		if err := checkpoints(*dbPath, cmd, args[1:]); err != nil {
			log.Fatalf("%s: %v", cmd, err)
		}
	default:
		if err := migrate(*dbPath, cmd); err != nil {
			log.Fatalf("%s: %v", cmd, err)
		}
	}
}

func migrate(dbPath, cmd string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	switch cmd {
	case "up":
		return goose.Up(db, ".")
	case "down":
		return goose.Down(db, ".")
	case "status":
		return goose.Status(db, ".")
	default:
		return fmt.Errorf("unknown command")
	}
}

func checkpoints(dbPath, cmd string, args []string) error {
	store, err := storage.NewSQLite(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if cmd == "forget" {
		if len(args) != 1 {
			return fmt.Errorf("expected one site url")
		}
		deleted, err := store.DeleteCheckpoint(ctx, args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no checkpoint for %s", args[0])
		}
		fmt.Printf("forgot %s\n", args[0])
		return nil
	}

	cps, err := store.ListCheckpoints(ctx)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		fmt.Printf("%s\t%s\t%s\n", cp.FeedID, cp.LastItemID, cp.LastSeenAt.Format(time.RFC3339))
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
