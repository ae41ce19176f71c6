package main

import (
	"flag"
	"fmt"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
)

const (
	sqlPingCmdName = "sql-ping"
)

type sqlPingSubcommand struct{}

func (s *sqlPingSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlPingCmdName, flag.ExitOnError)
}

func (s *sqlPingSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlPingCmdName

	// OpenDB pings the database before it returns.
	_, clean, err := openDB(conf.DB)
	if err != nil {
		return fmt.Errorf("%s: fail: %w", subCmd, err)
	}
	defer clean()

	fmt.Printf("%s: OK\n", subCmd)
	return nil
}
