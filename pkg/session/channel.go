package session

// ClientChannel is the connection's view of the browser WebSocket. It is the
// subset of *websocket.Conn the session layer touches, kept as an interface
// so tests can drive a connection without a network socket.
//
// WriteMessage is only ever called from the writer goroutine; implementations
// need not serialize writes themselves.
type ClientChannel interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}
