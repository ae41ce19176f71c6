package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

const (
	minReconnectInterval = 100 * time.Millisecond
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// Listener listens for PostgreSQL NOTIFY events. Lost connections are
// re-established by lib/pq with an exponential interval.
type Listener struct {
	dsn            string
	logger         logrus.FieldLogger
	reconnectTotal *promclient.CounterVec
}

// NewListener returns a listener that is ready to listen for PostgreSQL notifications.
func NewListener(conf config.DB, logger logrus.FieldLogger) *Listener {
	return &Listener{
		dsn:    glsql.DSN(conf),
		logger: logger.WithField("component", "listener"),
		reconnectTotal: promclient.NewCounterVec(
			promclient.CounterOpts{
				Name: "gitlab_geo_notifications_reconnects_total",
				Help: "Counts amount of reconnects to listen for notification from PostgreSQL",
			},
			[]string{"state"},
		),
	}
}

func (l *Listener) event(handler glsql.ListenHandler) pq.EventCallbackType {
	return func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected, pq.ListenerEventReconnected:
			l.reconnectTotal.WithLabelValues("connected").Inc()
			handler.Connected()
		case pq.ListenerEventDisconnected:
			l.reconnectTotal.WithLabelValues("disconnected").Inc()
			if err == nil {
				err = fmt.Errorf("connection closed")
			}
			handler.Disconnect(err)
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.WithError(err).Warn("connection attempt failed")
		}
	}
}

// Listen starts listening for the events. Each event is passed to the handler
// for processing. Listen blocks until the context is cancelled or the
// channels can't be subscribed to.
func (l *Listener) Listen(ctx context.Context, handler glsql.ListenHandler, channels ...string) error {
	listener := pq.NewListener(l.dsn, minReconnectInterval, maxReconnectInterval, l.event(handler))
	defer func() {
		if err := listener.Close(); err != nil {
			l.logger.WithError(err).Debug("closing listener")
		}
	}()

	for _, channel := range channels {
		if err := listener.Listen(channel); err != nil {
			return fmt.Errorf("listen on channel %q: %w", channel, err)
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case nf := <-listener.Notify:
			// A nil notification is sent after a reconnect, when
			// notifications might have been missed.
			if nf == nil {
				continue
			}
			handler.Notification(glsql.Notification{Channel: nf.Channel, Payload: nf.Extra})
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				l.logger.WithError(err).Warn("ping failed")
			}
		}
	}
}

// Describe return description of the metric.
func (l *Listener) Describe(descs chan<- *promclient.Desc) {
	promclient.DescribeByCollect(l, descs)
}

// Collect returns set of metrics collected during execution.
func (l *Listener) Collect(metrics chan<- promclient.Metric) {
	l.reconnectTotal.Collect(metrics)
}
