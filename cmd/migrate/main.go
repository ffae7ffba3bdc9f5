// -----------------------------------------------------------------------
// Last Modified: Monday, 27th July 2026 9:12:00 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

// Command migrate applies the jobstore schema migrations against the
// database named by -config (or RECURSION_DATABASE_DSN), then exits.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recursion-orchestrator/internal/common"
	"github.com/ternarybob/recursion-orchestrator/internal/jobstore"
)

func main() {
	configFile := flag.String("config", "", "Configuration file path")
	flag.Parse()

	var paths []string
	if *configFile != "" {
		paths = append(paths, *configFile)
	}

	config, err := common.LoadFromFiles(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := arbor.NewLogger()

	maxLifetime := 30 * time.Minute
	if config.Database.ConnMaxLifetime != "" {
		parsed, err := time.ParseDuration(config.Database.ConnMaxLifetime)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid database.conn_max_lifetime")
		}
		maxLifetime = parsed
	}

	db, err := jobstore.Open(jobstore.Config{
		DSN:             config.Database.DSN,
		MaxOpenConns:    config.Database.MaxOpenConns,
		MaxIdleConns:    config.Database.MaxIdleConns,
		ConnMaxLifetime: maxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	migrationsPath := config.Database.MigrationsPath
	if migrationsPath == "" {
		migrationsPath = "./migrations"
	}

	if err := jobstore.Migrate(db, migrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("Migration failed")
	}

	logger.Info().Str("path", migrationsPath).Msg("Migrations applied")
}
