package one

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHealthMonitor_RequiresClient(t *testing.T) {
	_, err := NewHealthMonitor(HealthMonitorConfig{})
	assert.Error(t, err)
}

func TestHealthMonitor_Check(t *testing.T) {
	m := NewMockClient()
	h, err := NewHealthMonitor(HealthMonitorConfig{Client: m})
	require.NoError(t, err)
	assert.True(t, h.IsHealthy())

	m.FailNext("Version", errors.New("connection refused"))
	assert.Error(t, h.Check(context.Background()))
	assert.False(t, h.IsHealthy())

	assert.NoError(t, h.Check(context.Background()))
	assert.True(t, h.IsHealthy())
	assert.Equal(t, "6.8.0", h.Version())
}

func TestHealthMonitor_StartStop(t *testing.T) {
	m := NewMockClient()
	h, err := NewHealthMonitor(HealthMonitorConfig{Client: m, Interval: 5 * time.Millisecond})
	require.NoError(t, err)

	h.Start(context.Background())
	assert.Eventually(t, func() bool { return m.Calls("Version") >= 2 }, time.Second, 5*time.Millisecond)
	h.Stop()
}

func TestWaitForAPI(t *testing.T) {
	m := NewMockClient()
	m.FailTimes("Version", errors.New("connection refused"), 2)

	version, err := WaitForAPI(context.Background(), m, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "6.8.0", version)
	assert.Equal(t, 3, m.Calls("Version"))
}

func TestWaitForAPI_AuthIsPermanent(t *testing.T) {
	m := NewMockClient()
	m.FailTimes("Version", NewError(methodSystemVersion, CodeAuthentication, "User couldn't be authenticated"), 5)

	_, err := WaitForAPI(context.Background(), m, 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, ReasonAuth, ReasonOf(err))
	assert.Equal(t, 1, m.Calls("Version"))
}
