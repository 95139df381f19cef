package boardcount

// Contains the client updater, which publishes JSON-encoded messages giving the
// latest state of the sources.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/boardcount/internal/unboundedchan"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// heartbeatInterval is the shortest time between published heartbeats.
const heartbeatInterval = 2 * time.Second

// NewClientUpdateQueue returns both ends of an unbounded queue of client updates,
// so that sources never block on the publisher.
func NewClientUpdateQueue() (chan<- ClientUpdate, <-chan ClientUpdate) {
	uc := unboundedchan.NewUnboundedChannel[ClientUpdate]()
	return uc.In(), uc.Out()
}

// heartbeatCoalescer merges heartbeats that arrive faster than heartbeatInterval.
type heartbeatCoalescer struct {
	pending  *Heartbeat
	lastSent time.Time
}

// add merges hb into the pending heartbeat and returns the heartbeat to publish now,
// if one is due.
func (c *heartbeatCoalescer) add(hb Heartbeat, now time.Time) (Heartbeat, bool) {
	if c.pending != nil && c.pending.Source == hb.Source {
		hb.Blocks += c.pending.Blocks
		hb.Bytes += c.pending.Bytes
	}
	c.pending = &hb
	if !hb.Running || now.Sub(c.lastSent) >= heartbeatInterval {
		return c.flush(now)
	}
	return Heartbeat{}, false
}

// tick returns the pending heartbeat if heartbeatInterval has passed since the last one.
func (c *heartbeatCoalescer) tick(now time.Time) (Heartbeat, bool) {
	if now.Sub(c.lastSent) < heartbeatInterval {
		return Heartbeat{}, false
	}
	return c.flush(now)
}

// flush returns the pending heartbeat, if any.
func (c *heartbeatCoalescer) flush(now time.Time) (Heartbeat, bool) {
	if c.pending == nil {
		return Heartbeat{}, false
	}
	hb := *c.pending
	c.pending = nil
	c.lastSent = now
	return hb, true
}

// encodeUpdate returns the two frames published for an update.
func encodeUpdate(update ClientUpdate) (string, []byte, error) {
	message, err := json.Marshal(update.State)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s update: %w", update.Tag, err)
	}
	return update.Tag, message, nil
}

// RunClientUpdater forwards any message from its input channel to the ZMQ publisher socket
// to publish any information that clients need to know. Heartbeats are coalesced.
// It returns when messages is closed or abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status publisher to %s: %w", hostname, err)
	}

	publish := func(update ClientUpdate) {
		tag, message, err := encodeUpdate(update)
		if err != nil {
			ProblemLogger.Println(err)
			return
		}
		if tag != "HEARTBEAT" {
			UpdateLogger.Printf("SEND %s %s", tag, message)
		}
		if _, err := pubSocket.SendMessage(tag, message); err != nil {
			ProblemLogger.Printf("publishing %s: %v", tag, err)
		}
	}

	var hearts heartbeatCoalescer
	ticker := time.NewTicker(heartbeatInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-abort:
			return nil

		case update, ok := <-messages:
			if !ok {
				return nil
			}
			if hb, isHeartbeat := update.State.(Heartbeat); isHeartbeat {
				if due, ok := hearts.add(hb, time.Now()); ok {
					publish(ClientUpdate{Tag: "HEARTBEAT", State: due})
				}
				continue
			}
			publish(update)

		case now := <-ticker.C:
			if due, ok := hearts.tick(now); ok {
				publish(ClientUpdate{Tag: "HEARTBEAT", State: due})
			}
		}
	}
}
