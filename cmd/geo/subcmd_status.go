package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/admin"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

const (
	statusCmdName = "status"
	// statusListLimit bounds the entries listed with -state.
	statusListLimit = 1000
)

type statusSubcommand struct {
	w     io.Writer
	site  string
	state string
	typ   string
}

func newStatusSubcommand(w io.Writer) *statusSubcommand {
	return &statusSubcommand{w: w}
}

func (cmd *statusSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(statusCmdName, flag.ExitOnError)
	flags.StringVar(&cmd.site, "site", "", "secondary site to report on (default is the configured site)")
	flags.StringVar(&cmd.state, "state", "", "list the entries in this sync state instead of counting")
	flags.StringVar(&cmd.typ, "type", "", "only list entries of this replicable type")
	return flags
}

func (cmd *statusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	site := cmd.site
	if site == "" {
		site = conf.Site.Name
	}

	adm, clean, err := openAdmin(conf)
	if err != nil {
		return err
	}
	defer clean()

	if cmd.state != "" {
		return cmd.list(adm, site)
	}
	return cmd.counts(adm, site)
}

func (cmd *statusSubcommand) counts(adm *admin.Admin, site string) error {
	counts, err := adm.Status(context.Background(), site)
	if err != nil {
		return fmt.Errorf("%s %s: fail: %w", progname, statusCmdName, err)
	}

	fmt.Fprintf(cmd.w, "site: %s\n", site)

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Sync state", "Entries"})
	table.SetAutoFormatHeaders(false)
	for _, state := range datastore.SyncStates {
		table.Append([]string{string(state), strconv.FormatInt(counts.Sync[state], 10)})
	}
	table.Render()

	table = tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Verification state", "Entries"})
	table.SetAutoFormatHeaders(false)
	for _, state := range datastore.VerificationStates {
		table.Append([]string{string(state), strconv.FormatInt(counts.Verification[state], 10)})
	}
	table.Render()
	return nil
}

func (cmd *statusSubcommand) list(adm *admin.Admin, site string) error {
	entries, err := adm.List(context.Background(), datastore.ListFilter{
		Site:      site,
		Type:      cmd.typ,
		SyncState: datastore.SyncState(cmd.state),
		Limit:     statusListLimit,
	})
	if err != nil {
		return fmt.Errorf("%s %s: fail: %w", progname, statusCmdName, err)
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Type", "ID", "Sync state", "Retries", "Failure", "Verification state"})
	table.SetAutoFormatHeaders(false)
	table.SetColWidth(60)
	for _, e := range entries {
		failure := e.LastSyncFailure
		if e.FailureKind != "" {
			failure = fmt.Sprintf("%s: %s", e.FailureKind, failure)
		}
		table.Append([]string{
			e.Type,
			strconv.FormatInt(e.ID, 10),
			string(e.SyncState),
			strconv.Itoa(e.RetryCount),
			failure,
			string(e.VerificationState),
		})
	}
	table.Render()
	return nil
}
