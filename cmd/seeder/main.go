// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/logger"
)

func main() {
	dir := flag.String("dir", "seed", "directory holding the seed SQL files")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.Must(logger.New(cfg.Environment, cfg.LogLevel, cfg.LogFile))
	defer log.Sync()

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to connect", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn, log); err != nil {
		log.Fatal("Failed to migrate", zap.Error(err))
	}

	seedFiles := []string{
		"subscribers.sql",
		"campaigns.sql",
	}

	for _, name := range seedFiles {
		file := filepath.Join(*dir, name)
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal("Failed to read seed file", zap.String("file", file), zap.Error(err))
		}

		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.Fatal("Failed to execute seed file", zap.String("file", file), zap.Error(err))
		}
		log.Info("Seeded", zap.String("file", file))
	}

	log.Info("Database seeding completed")
}
