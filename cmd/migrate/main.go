package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/joho/godotenv"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/migrate"
)

const usage = `usage: migrate [flags] <command> [arg]

commands:
  up                apply every pending migration
  down              roll back the latest migration
  status            list migrations and whether they are applied
  to <version>      move up or down to the given version
  create <name>     write a new empty migration into -dir
  validate          check migration names and goose sections
`

func main() {
	_ = godotenv.Load()

	dir := flag.String("dir", "", "migrations directory (embedded set when empty)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(context.Background(), *dir, flag.Arg(0), flag.Arg(1), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dir, command, arg string, out io.Writer) error {
	switch command {
	case "create":
		if arg == "" {
			return errors.New("migration name is required")
		}
		target := dir
		if target == "" {
			target = migrate.SourceDir
		}
		path, err := migrate.CreateSQLMigration(target, arg)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "created", path)
		return nil
	case "validate":
		if err := migrate.Validate(migrate.Source(dir)); err != nil {
			return err
		}
		fmt.Fprintln(out, "migrations valid")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logg := logger.New(logger.Options{
		ServiceName: "migrate",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "cmd": command})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbClient.Close()

	if cfg.DB.IsSQLite() {
		if command != migrate.CommandUp {
			return errors.New("sqlite databases only support up")
		}
		if err := migrate.AutoMigrateModels(dbClient); err != nil {
			return err
		}
		logg.Info(ctx, "sqlite schema migrated from models")
		return nil
	}

	var target int64
	if command == migrate.CommandTo {
		target, err = strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return fmt.Errorf("version %q must be numeric", arg)
		}
	}

	sqlDB, err := dbClient.DB().DB()
	if err != nil {
		return fmt.Errorf("extract sql.DB: %w", err)
	}
	steps, err := migrate.Run(ctx, sqlDB, migrate.Source(dir), command, target)
	printSteps(out, command, steps)
	if err != nil {
		return err
	}
	logg.Info(logg.WithField(ctx, "steps", len(steps)), "migrate finished")
	return nil
}

func printSteps(out io.Writer, command string, steps []migrate.Step) {
	if len(steps) == 0 {
		if command != migrate.CommandStatus {
			fmt.Fprintln(out, "nothing to do")
		}
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	if command == migrate.CommandStatus {
		fmt.Fprintln(w, "VERSION\tSTATE\tFILE")
		for _, s := range steps {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", s.Version, state, s.Path)
		}
		return
	}
	fmt.Fprintln(w, "VERSION\tDIRECTION\tOK\tFILE")
	for _, s := range steps {
		fmt.Fprintf(w, "%d\t%s\t%t\t%s\n", s.Version, s.Direction, s.Applied, s.Path)
	}
}
