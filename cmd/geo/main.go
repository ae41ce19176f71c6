// Command geo runs a site of a Geo deployment: the primary serving the
// internal replication API, or a secondary that replicates the primary's
// content and redirects writes to it.
//
// Additionally, geo has subcommands for common tasks:
//
// # SQL Ping
//
// The subcommand "sql-ping" checks if the database configured in the config
// file is reachable:
//
//	geo -config PATH_TO_CONFIG sql-ping
//
// # SQL Migrate
//
// The subcommand "sql-migrate" applies outstanding SQL migrations and
// "sql-migrate-status" shows which migrations have been applied:
//
//	geo -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//	geo -config PATH_TO_CONFIG sql-migrate-status
//
// # Resync and Reverify
//
// The subcommands "resync" and "reverify" make a replicable due for sync or
// verification on this secondary right away, bypassing the retry backoff:
//
//	geo -config PATH_TO_CONFIG resync -type lfs_object -id 42
//	geo -config PATH_TO_CONFIG reverify -type project_repository -id 7
//
// # Status
//
// The subcommand "status" prints the number of registry entries per state
// of this secondary, or lists the entries in one sync state:
//
//	geo -config PATH_TO_CONFIG status [-state failed] [-type lfs_object]
//
// # Decommission
//
// The subcommand "decommission" removes the registry entries of a secondary
// that no longer replicates:
//
//	geo -config PATH_TO_CONFIG decommission -site us-east
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/bootstrap"
	"gitlab.com/gitlab-org/gitlab-geo/internal/dontpanic"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/log"
	"gitlab.com/gitlab-org/gitlab-geo/internal/version"
	"gitlab.com/gitlab-org/labkit/monitoring"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const (
	progname = "geo"
	// loopRestartBackoff is the pause before a background loop that
	// panicked or returned early is started again.
	loopRestartBackoff = 5 * time.Second
)

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := log.Configure(log.Loggers, conf.Logging); err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if args := flag.Args(); len(args) > 0 && args[0] != serveCmdName {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	configure(conf)

	logger.WithField("version", version.GetVersionString()).Info("Starting " + progname)

	b, err := bootstrap.New(conf.PIDFile, conf.UpgradesEnabled, conf.GracefulRestartTimeout.Duration(), logger)
	if err != nil {
		logger.Fatalf("unable to create a bootstrap: %v", err)
	}

	if err := run(conf, b, prometheus.DefaultRegisterer); err != nil {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) {
	if conf.Sentry.DSN == "" {
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         conf.Sentry.DSN,
		Environment: conf.Sentry.Environment,
		Release:     "v" + version.GetVersion(),
	}); err != nil {
		logger.WithError(err).Warn("Unable to initialize sentry client")
		return
	}
	logger.Debug("Using sentry logging")
}

// loop is a background task of the daemon.
type loop struct {
	name string
	run  func(context.Context) error
}

func run(conf config.Config, b *bootstrap.Bootstrap, promreg prometheus.Registerer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, conf, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var d *daemon
	if conf.SiteContext().IsPrimary() {
		d, err = newPrimaryDaemon(conf, st, logger)
	} else {
		d, err = newSecondaryDaemon(conf, st, logger)
	}
	if err != nil {
		return err
	}
	promreg.MustRegister(d.collectors...)

	srv := &http.Server{Handler: d.handler, ReadHeaderTimeout: time.Minute}
	b.RegisterStarter(func(listen bootstrap.ListenFunc, errCh chan<- error) error {
		l, err := listen("tcp", conf.ListenAddr)
		if err != nil {
			return err
		}
		logger.WithField("address", conf.ListenAddr).Info("listening")

		go func() {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
		return nil
	})

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")

		b.RegisterStarter(func(listen bootstrap.ListenFunc, _ chan<- error) error {
			l, err := listen("tcp", conf.PrometheusListenAddr)
			if err != nil {
				return err
			}

			go func() {
				if err := monitoring.Start(
					monitoring.WithListener(l),
					monitoring.WithBuildInformation(version.GetVersion(), version.GetBuildTime())); err != nil {
					logger.WithError(err).Errorf("Unable to start prometheus listener: %v", conf.PrometheusListenAddr)
				}
			}()

			return nil
		})
	}

	if err := b.Start(); err != nil {
		return fmt.Errorf("unable to start the bootstrap: %v", err)
	}

	forever := dontpanic.NewForever(loopRestartBackoff)
	for _, l := range d.loops {
		l := l
		dontpanic.Go(func() {
			if err := forever.Run(ctx, l.name, l.run); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).WithField("loop", l.name).Error("background loop stopped")
			}
		})
		logger.WithField("loop", l.name).Info("background started")
	}

	return b.Wait(func() {
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.GracefulRestartTimeout.Duration())
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http server shutdown")
		}
	})
}
