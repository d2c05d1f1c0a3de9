package ws

import (
	"log"
	"time"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. msg is the concrete struct returned by protocol.ParseClientMessage
// (e.g. protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// by message type. The built-in ping/pong keepalive is handled internally;
// malformed or unsupported messages get a structured error frame back.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a handler with a message type, replacing any previous
// registration.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, answers pings internally, and routes everything else
// to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] dispatch parse error conn=%s: %v", conn.ID, err)
		SendError(conn, chaterr.Validationf("invalid message format"))
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] unsupported message type=%q conn=%s", msgType, conn.ID)
		SendError(conn, chaterr.Validationf("unsupported message type %q", msgType))
		return
	}

	handler(conn, msg)
}

// SendError queues a structured error frame carrying the error's machine
// code. Unknown error kinds surface as internal_error without leaking
// details.
func SendError(conn *Connection, err error) {
	code := string(chaterr.CodeOf(err))
	message := "internal error"
	if code != "" {
		message = err.Error()
	} else {
		code = "internal_error"
	}

	data, buildErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if buildErr != nil {
		log.Printf("[ws] failed to build error message conn=%s: %v", conn.ID, buildErr)
		return
	}
	conn.Enqueue(data)
}

// Send builds a server message of the given type and queues it on the
// connection's outbox.
func Send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[ws] failed to build %s message conn=%s: %v", msgType, conn.ID, err)
		return
	}
	conn.Enqueue(data)
}

// sendPong answers a client ping and refreshes the keepalive timestamp.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()
	Send(conn, protocol.TypePong, protocol.PongMsg{})
}
