package controller

import (
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"dripline/dispatch"
)

// ProgressHub fans tick results out to websocket subscribers. A subscriber
// that falls behind drops results rather than slowing the dispatch cycle.
type ProgressHub struct {
	mu     sync.Mutex
	subs   map[chan dispatch.Result]struct{}
	buffer int
	log    *logrus.Entry
}

func NewProgressHub(logger *logrus.Logger) *ProgressHub {
	return &ProgressHub{
		subs:   make(map[chan dispatch.Result]struct{}),
		buffer: 16,
		log:    logger.WithField("component", "progress_hub"),
	}
}

// Publish is registered with dispatch.Cycle.OnTick.
func (h *ProgressHub) Publish(result dispatch.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- result:
		default:
		}
	}
}

func (h *ProgressHub) subscribe() chan dispatch.Result {
	ch := make(chan dispatch.Result, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *ProgressHub) unsubscribe(ch chan dispatch.Result) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers returns the number of connected clients.
func (h *ProgressHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// HandleProgressWS streams every tick result to the client as JSON until the
// client disconnects.
func (h *ProgressHub) HandleProgressWS(c *websocket.Conn) {
	defer c.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case result := <-ch:
			if err := c.WriteJSON(result); err != nil {
				h.log.WithError(err).Debug("progress subscriber gone")
				return
			}
		}
	}
}
