package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeSyncEchoesT0(t *testing.T) {
	g := newGatewayHarness(t)
	cred, _ := g.user("alice")
	conn := g.dial(t, cred)

	before := time.Now().UnixMilli()
	t0 := before - 1234
	sendEvent(t, conn, EventTimeSyncRequest, TimeSyncRequestPayload{ClientTimestampT0InMs: t0})

	env := readEvent(t, conn)
	require.Equal(t, EventTimeSyncResponse, env.Type)
	var resp TimeSyncResponsePayload
	decodePayload(t, env, &resp)
	after := time.Now().UnixMilli()

	assert.Equal(t, t0, resp.ClientTimestampT0InMs)
	assert.GreaterOrEqual(t, resp.ServerTimestampT1InMs, before)
	assert.GreaterOrEqual(t, resp.ServerTimestampT2InMs, resp.ServerTimestampT1InMs)
	assert.LessOrEqual(t, resp.ServerTimestampT2InMs, after)
}

func TestTimeSyncRepeatedSamples(t *testing.T) {
	g := newGatewayHarness(t)
	cred, _ := g.user("alice")
	conn := g.dial(t, cred)

	// Clients sample at least five times; each request gets exactly one
	// reply in order.
	for i := int64(0); i < 5; i++ {
		sendEvent(t, conn, EventTimeSyncRequest, TimeSyncRequestPayload{ClientTimestampT0InMs: 1000 + i})
	}
	for i := int64(0); i < 5; i++ {
		env := readEvent(t, conn)
		require.Equal(t, EventTimeSyncResponse, env.Type)
		var resp TimeSyncResponsePayload
		decodePayload(t, env, &resp)
		assert.Equal(t, 1000+i, resp.ClientTimestampT0InMs)
	}
}
