package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestTFTPSnapshotReflectsCounters(t *testing.T) {
	m := NewTFTP()
	m.SessionsTotal.Add(3)
	m.BytesSent.Add(1024)
	m.ActiveSessions.Add(2)
	m.RetransmitsTotal.Add(1)

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.SessionsTotal)
	assert.Equal(t, uint64(1024), snap.BytesSent)
	assert.Equal(t, int64(2), snap.ActiveSessions)
	assert.Equal(t, uint64(1), snap.RetransmitsTotal)
}

func TestSFTPSnapshotReflectsCounters(t *testing.T) {
	m := NewSFTP()
	m.ConnectionsAccepted.Add(5)
	m.AuthFailures.Add(2)
	m.ActiveConnections.Add(1)

	snap := m.Snapshot()
	assert.Equal(t, uint64(5), snap.ConnectionsAccepted)
	assert.Equal(t, uint64(2), snap.AuthFailures)
	assert.Equal(t, int64(1), snap.ActiveConnections)
}

func TestRegisterTFTPExposesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTFTP()
	m.ActiveSessions.Add(4)

	RegisterTFTP(reg, m)

	families, err := reg.Gather()
	assert.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "tftp_active_sessions" {
			found = true
			assert.Equal(t, float64(4), f.Metric[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "expected tftp_active_sessions to be registered")
}

func TestRegisterSFTPExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSFTP()
	m.ConnectionsAccepted.Add(7)

	RegisterSFTP(reg, m)

	families, err := reg.Gather()
	assert.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "sftp_connections_accepted_total" {
			found = true
			assert.Equal(t, float64(7), f.Metric[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "expected sftp_connections_accepted_total to be registered")
}
