package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auxothq/toolhost/pkg/protocol"
)

const wsWriteWait = 10 * time.Second

// WS sends each frame as one text message. The connection is closed with a
// normal closure once the relay closes.
type WS struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu       sync.Mutex // protects writes to conn and the flags below
	closed   bool
	terminal bool
	gone     bool // peer disconnected

	once sync.Once
	done chan struct{}
}

// NewWS wraps an upgraded connection whose request message has already been
// read. It keeps reading in the background to notice the client leaving.
func NewWS(conn *websocket.Conn, logger *slog.Logger) *WS {
	s := &WS{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *WS) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket client read error", "error", err)
			}
			s.mu.Lock()
			s.gone = true
			s.mu.Unlock()
			s.Close()
			return
		}
	}
}

// Send writes one frame.
func (s *WS) Send(f protocol.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminal {
		return nil
	}
	if f.Terminal() {
		s.terminal = true
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		s.gone = true
		s.closed = true
	}
	return nil
}

// Close sends a close message (if the peer is still there) and closes the
// connection.
func (s *WS) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		if !s.gone {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
		}
		s.mu.Unlock()
		close(s.done)
		s.conn.Close()
	})
}

// Done implements Relay.
func (s *WS) Done() <-chan struct{} { return s.done }
