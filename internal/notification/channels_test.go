package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "notifications:status_update", BroadcastChannel(KindStatusUpdate))
	assert.Equal(t, "notifications:status_update:analysis:job-1", JobChannel(KindStatusUpdate, "job-1"))
	assert.Equal(t, "notifications:error_notification:client:c-9", ClientChannel(KindError, "c-9"))
}

func TestChannelsFor(t *testing.T) {
	ev := sampleEvent(t, KindResultUpdate)
	assert.Equal(t, []string{"notifications:result_update:analysis:job-1"}, ChannelsFor(ev))

	ev.Meta().BroadcastToAll = true
	assert.Equal(t, []string{"notifications:result_update"}, ChannelsFor(ev))

	ev.Meta().TargetClients = []string{"a", "b", "a", " "}
	assert.Equal(t, []string{
		"notifications:result_update:client:a",
		"notifications:result_update:client:b",
	}, ChannelsFor(ev))

	hb := sampleEvent(t, KindHeartbeat)
	assert.Equal(t, []string{"notifications:heartbeat"}, ChannelsFor(hb))
	assert.Nil(t, ChannelsFor(nil))
}

func TestParseClientMessage(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"subscribe","analysis_id":"job-1","event_types":["status_update"]}`))
	require.NoError(t, err)
	assert.Equal(t, MsgSubscribe, msg.Type)
	assert.Equal(t, []Kind{KindStatusUpdate}, msg.EventTypes)

	_, err = ParseClientMessage([]byte(`{"type":"subscribe"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = ParseClientMessage([]byte(`{"type":"subscribe","analysis_id":"j","event_types":["nope"]}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	msg, err = ParseClientMessage([]byte(`{"type":"dance"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Equal(t, "dance", msg.Type)

	_, err = ParseClientMessage([]byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestControlMessageEncode(t *testing.T) {
	b := ErrorMessage(CodeUnauthorized, "no access", testNow).Encode()
	assert.JSONEq(t, `{"type":"error","timestamp":"2026-03-01T12:00:00Z","error_code":"UNAUTHORIZED","error_message":"no access"}`, string(b))

	b = StatsMessage(map[string]any{"bad": func() {}}, testNow).Encode()
	assert.JSONEq(t, `{"type":"stats","timestamp":"2026-03-01T12:00:00Z"}`, string(b))
}
