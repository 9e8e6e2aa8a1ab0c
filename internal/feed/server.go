// Package feed serves the binary data plane: one websocket endpoint pushing
// wire-encoded frames to each connected consumer. Consumers never send data
// frames; their read side exists only for close/pong handling.
package feed

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"footprintd/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server attaches websocket consumers to the frame distributor.
type Server struct {
	dist *wire.Distributor
}

// NewServer creates a feed server over dist.
func NewServer(dist *wire.Distributor) *Server {
	return &Server{dist: dist}
}

// HandleWS upgrades the connection and streams frames until the consumer
// disconnects or falls too far behind.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feed] upgrade: %v", err)
		return
	}

	id, frames := s.dist.Attach()
	log.Printf("[feed] consumer %d connected (%d total)", id, s.dist.Consumers())

	go s.writePump(id, conn, frames)
	go s.readPump(id, conn)
}

func (s *Server) writePump(id int, conn *websocket.Conn, frames <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readPump(id int, conn *websocket.Conn) {
	defer func() {
		s.dist.Detach(id)
		conn.Close()
		log.Printf("[feed] consumer %d disconnected", id)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
