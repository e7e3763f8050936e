package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/iris/pkg/messaging"
)

func setupBroker(t *testing.T) messaging.Broker {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(Config{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)

	nop := zerolog.Nop()
	b := NewRedisBroker(client, &nop)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{URL: "://nope"})
	assert.Error(t, err)
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	b := setupBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := b.Subscribe(ctx, "iris.dispatch.status")
	require.NoError(t, err)

	pub := messaging.NewChannelPublisher(b, "iris.dispatch.status")
	require.NoError(t, pub.Publish(ctx, "dispatch.done", map[string]string{"dispatchId": "d-1"}))

	select {
	case raw := <-msgs:
		var msg struct {
			Type    string            `json:"type"`
			Payload map[string]string `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "dispatch.done", msg.Type)
		assert.Equal(t, "d-1", msg.Payload["dispatchId"])
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisBroker_Ping(t *testing.T) {
	b := setupBroker(t)
	assert.NoError(t, b.Ping(context.Background()))
}
