package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

const sqlMigrateStatusCmdName = "sql-migrate-status"

type sqlMigrateStatusSubcommand struct {
	w io.Writer
}

func newSQLMigrateStatusSubCommand(writer io.Writer) *sqlMigrateStatusSubcommand {
	return &sqlMigrateStatusSubcommand{w: writer}
}

func (s *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (s *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	statuses, err := glsql.MigrationStatuses(db)
	if err != nil {
		return fmt.Errorf("%s %s: fail: %v", progname, sqlMigrateStatusCmdName, err)
	}

	table := tablewriter.NewWriter(s.w)
	table.SetHeader([]string{"Migration", "Applied"})
	table.SetColWidth(60)
	table.SetAutoFormatHeaders(false)

	for _, st := range statuses {
		applied := "no"
		switch {
		case st.Unknown:
			applied = "unknown migration"
		case st.Applied:
			applied = st.AppliedAt
		}
		table.Append([]string{st.ID, applied})
	}

	table.Render()
	return nil
}
