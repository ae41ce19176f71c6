package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/admin"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, config config.Config) error
}

const serveCmdName = "serve"

var errNeedsSQL = errors.New("the command requires an SQL database, the memory driver keeps no state between processes")

var subcommands = map[string]subcmd{
	sqlPingCmdName:          &sqlPingSubcommand{},
	sqlMigrateCmdName:       newSQLMigrateSubCommand(os.Stdout),
	sqlMigrateStatusCmdName: newSQLMigrateStatusSubCommand(os.Stdout),
	resyncCmdName:           newResyncSubcommand(os.Stdout),
	reverifyCmdName:         newReverifySubcommand(os.Stdout),
	statusCmdName:           newStatusSubcommand(os.Stdout),
	decommissionCmdName:     newDecommissionSubcommand(os.Stdout),
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		os.Exit(130) // indicates program was interrupted
	}()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(flags, conf); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

func openDB(conf config.DB) (*glsql.DB, func(), error) {
	if conf.Driver == config.DriverMemory {
		return nil, nil, errNeedsSQL
	}

	db, err := glsql.OpenDB(context.Background(), conf)
	if err != nil {
		return nil, nil, fmt.Errorf("sql open: %v", err)
	}

	clean := func() {
		if err := db.Close(); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}

	return db, clean, nil
}

// openAdmin returns the operator commands over the registry of conf.
func openAdmin(conf config.Config) (*admin.Admin, func(), error) {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return nil, nil, err
	}
	return admin.New(logger, datastore.NewSQLRegistry(db)), clean, nil
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}
