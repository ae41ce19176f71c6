package datastore

import (
	"errors"
	"strings"
	"testing"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/config"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/datastore/glsql"
)

type mockListenHandler struct {
	connected     int
	disconnected  []error
	notifications []glsql.Notification
}

func (m *mockListenHandler) Notification(n glsql.Notification) {
	m.notifications = append(m.notifications, n)
}
func (m *mockListenHandler) Disconnect(err error) { m.disconnected = append(m.disconnected, err) }
func (m *mockListenHandler) Connected()           { m.connected++ }

func TestListener_event(t *testing.T) {
	logger, hook := test.NewNullLogger()
	lis := NewListener(config.DB{Host: "localhost", Port: 5432}, logger)
	handler := &mockListenHandler{}
	callback := lis.event(handler)

	callback(pq.ListenerEventConnected, nil)
	callback(pq.ListenerEventDisconnected, errors.New("reset by peer"))
	callback(pq.ListenerEventConnectionAttemptFailed, errors.New("refused"))
	callback(pq.ListenerEventReconnected, nil)

	require.Equal(t, 2, handler.connected)
	require.Equal(t, []error{errors.New("reset by peer")}, handler.disconnected)
	require.Equal(t, "connection attempt failed", hook.LastEntry().Message)

	require.NoError(t, testutil.CollectAndCompare(lis, strings.NewReader(`
# HELP gitlab_geo_notifications_reconnects_total Counts amount of reconnects to listen for notification from PostgreSQL
# TYPE gitlab_geo_notifications_reconnects_total counter
gitlab_geo_notifications_reconnects_total{state="connected"} 2
gitlab_geo_notifications_reconnects_total{state="disconnected"} 1
`)))
}
