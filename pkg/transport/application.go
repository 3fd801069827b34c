package transport

import (
	"fmt"
	"sync"

	"github.com/cuemby/paravon/pkg/log"
	"github.com/cuemby/paravon/pkg/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Application is the per-connection protocol loop a Protocol's Streamer
// runs for the lifetime of a connection.
type Application func(receive message.ReceiveFunc, send message.SendFunc) error

// Handler answers one incoming Message with a response Message.
type Handler func(data map[string]interface{}) message.Message

// Router maps a Message's type to the Handler that answers it.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Handle registers handler for msgType, overwriting any prior registration.
func (r *Router) Handle(msgType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = handler
}

func (r *Router) lookup(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[msgType]
	return h, ok
}

// RoutedApplication builds the default Application: loop receiving
// Messages, dispatch each to the Router by its type, fill in a
// request_id if the caller omitted one, and send back the handler's
// response (or a "ko" if the type is unknown or the handler panics).
func RoutedApplication(router *Router) Application {
	logger := log.WithComponent("transport.router")
	return func(receive message.ReceiveFunc, send message.SendFunc) error {
		for {
			msg, ok := receive()
			if !ok {
				return nil
			}

			if _, present := msg.Data["request_id"]; !present {
				if msg.Data == nil {
					msg.Data = map[string]interface{}{}
				}
				msg.Data["request_id"] = uuid.NewString()
			}

			resp := dispatch(router, logger, msg)
			if err := send(resp); err != nil {
				return err
			}
		}
	}
}

func dispatch(router *Router, logger zerolog.Logger, msg message.Message) (resp message.Message) {
	handler, ok := router.lookup(msg.Type)
	if !ok {
		return message.KO(fmt.Sprintf("no handler registered for message type %q", msg.Type), map[string]interface{}{
			"request_id": msg.Data["request_id"],
		})
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Interface("panic", r).Msg("handler panic")
			resp = message.KO(fmt.Sprintf("handler panic: %v", r), map[string]interface{}{
				"request_id": msg.Data["request_id"],
			})
		}
	}()

	resp = handler(msg.Data)
	if resp.Type == "" {
		resp = message.KO("handler returned no response", map[string]interface{}{
			"request_id": msg.Data["request_id"],
		})
	}
	return resp
}
