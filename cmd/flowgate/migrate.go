package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/BaSui01/flowgate/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================
// database 存储使用的 flowgate_tokens / flowgate_snapshots 表由这里管理

// migrateCommand 一个迁移子命令
type migrateCommand struct {
	// positional 需要的位置参数个数（版本号或步数）
	positional int
	usage      string
	run        func(ctx context.Context, cli *migration.CLI, fs *flag.FlagSet, pos []string) error
}

var migrateCommands = map[string]migrateCommand{
	"up": {run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, _ []string) error {
		return cli.RunUp(ctx)
	}},
	"down": {run: func(ctx context.Context, cli *migration.CLI, fs *flag.FlagSet, _ []string) error {
		if fs.Lookup("all").Value.String() == "true" {
			return cli.RunDownAll(ctx)
		}
		return cli.RunDown(ctx)
	}},
	"reset": {run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, _ []string) error {
		return cli.RunDownAll(ctx)
	}},
	"status": {run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, _ []string) error {
		return cli.RunStatus(ctx)
	}},
	"info": {run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, _ []string) error {
		return cli.RunInfo(ctx)
	}},
	"version": {run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, _ []string) error {
		return cli.RunVersion(ctx)
	}},
	"goto": {positional: 1, usage: "goto <version>", run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, pos []string) error {
		v, err := strconv.ParseUint(pos[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", pos[0])
		}
		return cli.RunGoto(ctx, uint(v))
	}},
	"force": {positional: 1, usage: "force <version>", run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, pos []string) error {
		v, err := strconv.ParseInt(pos[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number: %s", pos[0])
		}
		return cli.RunForce(ctx, int(v))
	}},
	"steps": {positional: 1, usage: "steps <n>", run: func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet, pos []string) error {
		n, err := strconv.Atoi(pos[0])
		if err != nil {
			return fmt.Errorf("invalid step count: %s", pos[0])
		}
		return cli.RunSteps(ctx, n)
	}},
}

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}
	name := args[0]
	if name == "help" || name == "-h" || name == "--help" {
		printMigrateUsage()
		return
	}
	cmd, ok := migrateCommands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", name)
		printMigrateUsage()
		os.Exit(1)
	}

	if err := execMigrate(context.Background(), name, cmd, args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", name, err)
		os.Exit(1)
	}
}

func execMigrate(ctx context.Context, name string, cmd migrateCommand, args []string) error {
	if len(args) < cmd.positional {
		return fmt.Errorf("usage: flowgate migrate %s", cmd.usage)
	}
	pos, rest := args[:cmd.positional], args[cmd.positional:]

	fs := flag.NewFlagSet("migrate "+name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	fs.Bool("all", false, "Rollback all migrations (down only)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	return cmd.run(ctx, migration.NewCLI(migrator, os.Stdout), fs, pos)
}

// createMigrator 优先使用 --db-type 与 --db-url，否则读取配置文件的 database 段
func createMigrator(configPath, dbType, dbURL string) (*migration.Migrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database)
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  flowgate migrate <subcommand> [options]

Subcommands:
  up          Apply all pending migrations
  down        Rollback the last migration (--all to rollback everything)
  steps <n>   Apply (n > 0) or rollback (n < 0) n migrations
  status      Show migration status
  info        Show migration summary
  version     Show current migration version
  goto <v>    Migrate to a specific version
  force <v>   Force set migration version (use with caution)
  reset       Rollback all migrations
  help        Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  flowgate migrate up
  flowgate migrate up --config /etc/flowgate/config.yaml
  flowgate migrate down --all
  flowgate migrate goto 1
  flowgate migrate up --db-type sqlite --db-url sqlite://flowgate.db`)
}
