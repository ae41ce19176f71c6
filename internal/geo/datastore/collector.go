package datastore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	descSyncState = prometheus.NewDesc(
		"gitlab_geo_registry_sync_state",
		"Number of registry entries per sync state.",
		[]string{"site", "state"},
		nil,
	)
	descVerificationState = prometheus.NewDesc(
		"gitlab_geo_registry_verification_state",
		"Number of registry entries per verification state.",
		[]string{"site", "state"},
		nil,
	)
)

// RegistryCollector collects registry state counts of the secondary sites.
type RegistryCollector struct {
	log      logrus.FieldLogger
	registry Registry
	sites    []string
	timeout  time.Duration
}

// NewRegistryCollector returns a new collector.
func NewRegistryCollector(log logrus.FieldLogger, registry Registry, sites []string, timeout time.Duration) *RegistryCollector {
	return &RegistryCollector{
		log:      log.WithField("component", "RegistryCollector"),
		registry: registry,
		sites:    sites,
		timeout:  timeout,
	}
}

func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, site := range c.sites {
		counts, err := c.registry.CountByState(ctx, site)
		if err != nil {
			c.log.WithError(err).WithField("site", site).Error("failed collecting registry state metrics")
			continue
		}

		for _, state := range SyncStates {
			ch <- prometheus.MustNewConstMetric(descSyncState, prometheus.GaugeValue, float64(counts.Sync[state]), site, string(state))
		}
		for _, state := range VerificationStates {
			ch <- prometheus.MustNewConstMetric(descVerificationState, prometheus.GaugeValue, float64(counts.Verification[state]), site, string(state))
		}
	}
}
