package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"chatsync/config"
	"chatsync/internal/repository"
	"chatsync/pkg/database"
	"chatsync/pkg/logger"
)

const usage = `
Chat Sync - Database CLI Tool

Usage:
  migrate [command]

Commands:
  up          Create tables and indexes (idempotent)
  status      Show database connection status

Examples:
  go run ./cmd/migrate up
  go run ./cmd/migrate status
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.LoadConfig()
	l := logger.New(cfg.LogMode)
	defer l.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		l.Errorf("Failed to connect to database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	switch command := flag.Arg(0); command {
	case "up":
		if err := repository.InitSchema(ctx, db); err != nil {
			l.Errorf("Migration failed: %v", err)
			os.Exit(1)
		}
		l.Infof("Schema is up to date")
	case "status":
		if err := database.HealthCheck(ctx, db); err != nil {
			l.Errorf("Database unhealthy: %v", err)
			os.Exit(1)
		}
		l.Infof("Database connection OK (%s@%s:%s/%s)", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
