package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/admin"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore"
)

const (
	resyncCmdName   = "resync"
	reverifyCmdName = "reverify"
)

var (
	errNoType = errors.New("the -type flag must be passed")
	errNoID   = errors.New("the -id flag must be a positive replicable ID")
)

// forceSubcommand applies one of the force operations of admin to a single
// registry entry.
type forceSubcommand struct {
	name  string
	w     io.Writer
	force func(*admin.Admin, context.Context, datastore.RegistryKey) error
	typ   string
	id    int64
	site  string
}

func newResyncSubcommand(w io.Writer) *forceSubcommand {
	return &forceSubcommand{name: resyncCmdName, w: w, force: (*admin.Admin).ForceResync}
}

func newReverifySubcommand(w io.Writer) *forceSubcommand {
	return &forceSubcommand{name: reverifyCmdName, w: w, force: (*admin.Admin).ForceReverify}
}

func (cmd *forceSubcommand) FlagSet() *flag.FlagSet {
	flags := flag.NewFlagSet(cmd.name, flag.ExitOnError)
	flags.StringVar(&cmd.typ, "type", "", "replicable type, e.g. lfs_object")
	flags.Int64Var(&cmd.id, "id", 0, "replicable ID")
	flags.StringVar(&cmd.site, "site", "", "secondary site of the registry entry (default is the configured site)")
	return flags
}

func (cmd *forceSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	subCmd := progname + " " + cmd.name

	if cmd.typ == "" {
		return fmt.Errorf("%s: %w", subCmd, errNoType)
	}
	if cmd.id <= 0 {
		return fmt.Errorf("%s: %w", subCmd, errNoID)
	}
	site := cmd.site
	if site == "" {
		site = conf.Site.Name
	}

	adm, clean, err := openAdmin(conf)
	if err != nil {
		return err
	}
	defer clean()

	key := datastore.RegistryKey{Type: cmd.typ, ID: cmd.id, Site: site}
	if err := cmd.force(adm, context.Background(), key); err != nil {
		return fmt.Errorf("%s: fail: %w", subCmd, err)
	}

	fmt.Fprintf(cmd.w, "%s: OK (%s)\n", subCmd, key)
	return nil
}
