package session

import (
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/voxkit/voxbridge/pkg/errorsx"
	"github.com/voxkit/voxbridge/pkg/events"
)

// writeLoop is the only goroutine that writes to the client channel. It
// drains the outbox in FIFO order until the queue closes; a failed write is
// fatal for the connection.
func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		ev, ok := c.out.Get()
		if !ok {
			return
		}
		if err := c.write(ev); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonTransportSend)
			c.log.Warn("client write failed",
				"session_id", c.ID,
				"type", ev.Type(),
				"reason", errorsx.Reason(err),
				"error", err,
			)
			c.Close("write failed")
			return
		}
	}
}

func (c *Connection) write(ev events.Event) error {
	if ev.Kind() == events.KindAudio {
		return c.ch.WriteMessage(websocket.BinaryMessage, ev.Audio())
	}
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		// Payload maps are built in-process; a marshal failure is a bug,
		// not a transport fault. Log and keep the writer alive.
		c.log.Error("marshal outbound event", "session_id", c.ID, "type", ev.Type(), "error", err)
		return nil
	}
	return c.ch.WriteMessage(websocket.TextMessage, data)
}
