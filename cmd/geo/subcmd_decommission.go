package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
)

const decommissionCmdName = "decommission"

var errNoSite = errors.New("the -site flag must be passed")

type decommissionSubcommand struct {
	w    io.Writer
	site string
}

func newDecommissionSubcommand(w io.Writer) *decommissionSubcommand {
	return &decommissionSubcommand{w: w}
}

func (cmd *decommissionSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(decommissionCmdName, flag.ExitOnError)
	flags.StringVar(&cmd.site, "site", "", "name of the secondary site to remove")
	return flags
}

func (cmd *decommissionSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + decommissionCmdName

	if cmd.site == "" {
		return fmt.Errorf("%s: %w", subCmd, errNoSite)
	}

	adm, clean, err := openAdmin(conf)
	if err != nil {
		return err
	}
	defer clean()

	removed, err := adm.Decommission(context.Background(), cmd.site)
	if err != nil {
		return fmt.Errorf("%s: fail: %w", subCmd, err)
	}

	fmt.Fprintf(cmd.w, "%s: OK (removed %d registry entries of %q)\n", subCmd, removed, cmd.site)
	return nil
}
