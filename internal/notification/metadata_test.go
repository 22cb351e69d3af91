package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMetadataPopulatesRequiredFields(t *testing.T) {
	m := NewMetadata("processor", Priority("bogus"), testNow)
	assert.NotEmpty(t, m.NotificationID)
	assert.Equal(t, PriorityNormal, m.Priority)
	assert.Equal(t, StatusPending, m.DeliveryStatus)
	assert.NoError(t, m.Validate())

	other := NewMetadata("processor", PriorityHigh, testNow)
	assert.NotEqual(t, m.NotificationID, other.NotificationID)
}

func TestTargetsWinOverBroadcast(t *testing.T) {
	m := Metadata{BroadcastToAll: true, TargetClients: []string{"c1"}}
	assert.True(t, m.Targeted())
	assert.False(t, m.IsBroadcast())

	m.TargetClients = nil
	assert.True(t, m.IsBroadcast())
}

func TestExpired(t *testing.T) {
	m := Metadata{}
	assert.False(t, m.Expired(testNow))

	exp := testNow.Add(time.Minute)
	m.ExpiresAt = &exp
	assert.False(t, m.Expired(testNow))
	assert.True(t, m.Expired(exp))
}

func TestValidateReportsMissingFields(t *testing.T) {
	err := Metadata{RetryCount: -1}.Validate()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "notification_id")
		assert.Contains(t, err.Error(), "source")
		assert.Contains(t, err.Error(), "retry_count")
	}
}

func TestValidateRejectsBlankTargets(t *testing.T) {
	m := NewMetadata("processor", PriorityNormal, testNow)
	m.TargetClients = []string{"c1", "  "}
	err := m.Validate()
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "target_clients[1]")
	}

	m.TargetClients = []string{""}
	assert.Error(t, m.Validate())

	m.TargetClients = []string{"c1"}
	assert.NoError(t, m.Validate())
}
