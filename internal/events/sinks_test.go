package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/benmeehan/presence-hub/internal/constants"
	"github.com/benmeehan/presence-hub/internal/mocks"
	"github.com/benmeehan/presence-hub/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestChannelSink(t *testing.T) {
	sink := NewChannelSink(1)
	ctx := context.Background()

	require.NoError(t, sink.Handle(ctx, models.Event{Type: constants.EventSessionJoined}))
	assert.Error(t, sink.Handle(ctx, models.Event{Type: constants.EventSessionLeft}))

	e := <-sink.C
	assert.Equal(t, constants.EventSessionJoined, e.Type)
}

func TestMQTTSink_PublishesToScopedTopic(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	sink := NewMQTTSink(client, "presence", 1)
	event := models.Event{Type: constants.EventSessionJoined, Channel: "document:42", SessionID: "s1"}

	client.On("Publish", "presence/events/sessionJoined/document:42", byte(1), false, mock.MatchedBy(func(p []byte) bool {
		var got models.Event
		return json.Unmarshal(p, &got) == nil && got.SessionID == "s1"
	})).Return(mocks.NewCompletedToken(nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Handle(ctx, event))
	client.AssertExpectations(t)
}

func TestMQTTSink_ReturnsPublishError(t *testing.T) {
	client := new(mocks.MockMQTTClient)
	sink := NewMQTTSink(client, "presence", 0)
	client.On("Publish", mock.Anything, byte(0), false, mock.Anything).
		Return(mocks.NewCompletedToken(errors.New("broker gone")))

	err := sink.Handle(context.Background(), models.Event{Type: constants.EventLockChanged, DocumentID: "d1"})
	assert.ErrorContains(t, err, "broker gone")
	assert.Equal(t, "presence/events/lockChanged/d1", sink.Topic(models.Event{Type: constants.EventLockChanged, DocumentID: "d1"}))
}

func TestMQTTSink_EscapesScopeIntoOneLevel(t *testing.T) {
	sink := NewMQTTSink(new(mocks.MockMQTTClient), "presence", 0)

	assert.Equal(t, "presence/events/sessionJoined/team%2Falpha",
		sink.Topic(models.Event{Type: constants.EventSessionJoined, Channel: "team/alpha"}))
	assert.Equal(t, "presence/events/sessionJoined/room%2B%23",
		sink.Topic(models.Event{Type: constants.EventSessionJoined, Channel: "room+#"}))
}

type fakeNATS struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeNATS) PublishMsg(m *nats.Msg) error {
	f.msgs = append(f.msgs, m)
	return f.err
}

func TestNATSSink(t *testing.T) {
	conn := &fakeNATS{}
	sink := NewNATSSink(conn, "presence")

	event := models.Event{Type: constants.EventDocumentVersionChanged, DocumentID: "d1", Version: 3}
	require.NoError(t, sink.Handle(context.Background(), event))

	require.Len(t, conn.msgs, 1)
	msg := conn.msgs[0]
	assert.Equal(t, "presence.events.documentVersionChanged", msg.Subject)
	assert.Equal(t, "documentVersionChanged", msg.Header.Get("Event-Type"))
	assert.Equal(t, "d1", msg.Header.Get("Event-Scope"))

	var got models.Event
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, int64(3), got.Version)
}
