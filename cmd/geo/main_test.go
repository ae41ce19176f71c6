package main

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
)

func TestNoConfigFlag(t *testing.T) {
	_, err := initConfig()

	require.Equal(t, err, errNoConfigFile)
}

func testConfig(t *testing.T, role string) config.Config {
	t.Helper()

	conf := config.Config{
		ListenAddr:   "127.0.0.1:0",
		Auth:         config.Auth{Secret: "shhh"},
		DB:           config.DB{Driver: config.DriverMemory},
		Storage:      config.Storage{BlobDir: filepath.Join(t.TempDir(), "blobs"), RepositoryDir: filepath.Join(t.TempDir(), "repositories")},
		Replication:  config.DefaultReplicationConfig(),
		Verification: config.DefaultVerificationConfig(),
		Events:       config.DefaultEventsConfig(),
		Redirect:     config.DefaultRedirectConfig(),
		Prometheus:   config.DefaultPrometheusConfig(),
	}

	if role == "primary" {
		conf.Site = config.Site{Name: "eu-west", Role: role, ExternalURL: "https://eu.example.com", Secondaries: []string{"us-east"}}
	} else {
		conf.Site = config.Site{Name: "us-east", Role: role, PrimaryName: "eu-west", PrimaryURL: "https://eu.example.com"}
	}
	require.NoError(t, conf.Validate())
	return conf
}

func loopNames(d *daemon) []string {
	names := make([]string, 0, len(d.loops))
	for _, l := range d.loops {
		names = append(names, l.name)
	}
	return names
}

func TestDaemons(t *testing.T) {
	for _, tc := range []struct {
		desc         string
		role         string
		changeConfig func(*config.Config)
		loops        []string
	}{
		{
			desc:  "primary",
			role:  "primary",
			loops: []string{"primary_checksummer"},
		},
		{
			desc:         "primary without verification",
			role:         "primary",
			changeConfig: func(c *config.Config) { c.Verification.Enabled = false },
			loops:        []string{},
		},
		{
			desc:  "secondary",
			role:  "secondary",
			loops: []string{"orchestrator", "event_consumer", "backfill", "verifier"},
		},
		{
			desc: "secondary without backfill and verification",
			role: "secondary",
			changeConfig: func(c *config.Config) {
				c.Replication.BackfillInterval = 0
				c.Verification.Enabled = false
			},
			loops: []string{"orchestrator", "event_consumer"},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			conf := testConfig(t, tc.role)
			if tc.changeConfig != nil {
				tc.changeConfig(&conf)
			}
			logger, _ := test.NewNullLogger()

			st, err := openStores(ctx(t), conf, logger)
			require.NoError(t, err)
			defer st.Close()
			require.Nil(t, st.listener)

			var d *daemon
			if tc.role == "primary" {
				d, err = newPrimaryDaemon(conf, st, logger)
			} else {
				d, err = newSecondaryDaemon(conf, st, logger)
			}
			require.NoError(t, err)
			require.ElementsMatch(t, tc.loops, loopNames(d))

			reg := prometheus.NewRegistry()
			for _, c := range d.collectors {
				require.NoError(t, reg.Register(c))
			}

			rec := httptest.NewRecorder()
			d.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/health", nil))
			require.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestNewSecondaryDaemon_invalidSecret(t *testing.T) {
	conf := testConfig(t, "secondary")
	conf.Auth = config.Auth{SecretFile: filepath.Join(t.TempDir(), "missing")}
	logger, _ := test.NewNullLogger()

	st, err := openStores(ctx(t), conf, logger)
	require.NoError(t, err)

	_, err = newSecondaryDaemon(conf, st, logger)
	require.Error(t, err)
}

func TestOpenStores_sqlite(t *testing.T) {
	conf := testConfig(t, "secondary")
	conf.DB = config.DB{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "registry.db")}
	logger, _ := test.NewNullLogger()

	st, err := openStores(ctx(t), conf, logger)
	require.NoError(t, err)
	require.NotNil(t, st.registry)
	require.NotNil(t, st.queue)
	require.Nil(t, st.listener, "sqlite has no notifications")
	st.Close()
	require.Empty(t, st.closers)
}
