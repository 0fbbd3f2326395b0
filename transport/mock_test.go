package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClientTryPublishQueueFull(t *testing.T) {
	c := NewMockClient(1)
	require.NoError(t, c.TryPublish("t", []byte("a")))

	err := c.TryPublish("t", []byte("b"))
	var qerr *QueueFullError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "t", qerr.Topic)
}

func TestMockClientKillMakesClientDead(t *testing.T) {
	c := NewMockClient(10)
	c.Kill()

	err := c.Publish("t", []byte("a"))
	var derr *ClientDeadError
	require.ErrorAs(t, err, &derr)

	err = c.TryPublish("t", []byte("a"))
	require.ErrorAs(t, err, &derr)
}

func TestMockClientPublishedRecordsInOrder(t *testing.T) {
	c := NewMockClient(10)
	require.NoError(t, c.Publish("t", []byte("1")))
	require.NoError(t, c.Publish("t", []byte("2")))

	got := c.Published()
	require.Len(t, got, 2)
	assert.Equal(t, []byte("1"), got[0].Payload)
	assert.Equal(t, []byte("2"), got[1].Payload)
}

func TestMockClientSubscribeAndDeliver(t *testing.T) {
	c := NewMockClient(10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, "actions")
	require.NoError(t, err)

	c.Deliver("actions", []byte(`{"id":"1"}`))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"id":"1"}`, string(msg))
	case <-time.After(time.Second):
		t.Fatal("expected delivered message on subscribe channel")
	}
}
