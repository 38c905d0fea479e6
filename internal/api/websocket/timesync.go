package websocket

import (
	"encoding/json"
)

// handleTimeSync answers a clock-alignment probe. t1 is captured on
// receipt and t2 just before the reply is queued; the client derives its
// offset as ((t1-t0)+(t2-t3))/2. The responder keeps no state.
func (c *Client) handleTimeSync(raw json.RawMessage) {
	var req TimeSyncRequestPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	t1 := c.now().UnixMilli()
	resp := TimeSyncResponsePayload{
		ClientTimestampT0InMs: req.ClientTimestampT0InMs,
		ServerTimestampT1InMs: t1,
		ServerTimestampT2InMs: c.now().UnixMilli(),
	}

	data, err := encodeEvent(EventTimeSyncResponse, resp)
	if err != nil {
		return
	}
	c.trySend(data)
}
