package mqtt

import (
	"log"

	"github.com/sweeney/hrv-fanctl/internal/logic"
)

// Handler consumes commands. HandleMessage returns true if it owns the topic.
type Handler interface {
	HandleMessage(msg logic.Message) bool
}

// Router dispatches commands to handlers in registration order; the first
// handler that owns a topic wins. Not safe for concurrent use.
type Router struct {
	handlers []Handler
}

// Register appends a handler.
func (r *Router) Register(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Dispatch hands msg to the first handler that owns it and reports whether
// any did.
func (r *Router) Dispatch(msg logic.Message) bool {
	for _, h := range r.handlers {
		if h.HandleMessage(msg) {
			return true
		}
	}
	log.Printf("mqtt: no handler for %q (debug=%v)", msg.Topic, msg.Debug)
	return false
}
