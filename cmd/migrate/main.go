package main

import (
	"errors"
	"os"
	"strings"

	"github.com/cartahq/carta/backend/internal/util"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/logger/console"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	util.LoadEnv()
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))

	source := util.GetEnvString("MIGRATIONS_PATH", "file://migrations")

	// The pgx/v5 driver registers under the pgx5 scheme.
	databaseURL := util.GetEnv("DATABASE_URL")
	databaseURL = strings.Replace(databaseURL, "postgres://", "pgx5://", 1)
	databaseURL = strings.Replace(databaseURL, "postgresql://", "pgx5://", 1)

	m, err := migrate.New(source, databaseURL)
	if err != nil {
		logger.Fatal("Failed to open migrations", "err", err)
	}
	defer m.Close()

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	default:
		logger.Fatal("Unknown direction, want up or down", "direction", direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Migration failed", "direction", direction, "err", err)
	}
	logger.Info("Migrations applied", "direction", direction)
}
