package observer

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trustgate.ai/internal/broadcast"
)

const (
	pingEvery   = 25 * time.Second
	readTimeout = 60 * time.Second
)

// Server streams lifecycle events to websocket observers. Observers only
// receive events published after they connect.
type Server struct {
	hub   *broadcast.Hub
	log   *log.Logger
	queue int

	upgrader websocket.Upgrader
}

func NewServer(hub *broadcast.Hub, queue int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		hub:   hub,
		log:   logger,
		queue: queue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dashboard is served from another origin
		},
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := s.hub.Subscribe(s.queue)
		defer s.hub.Unsubscribe(sub)
		s.log.Printf("observer: connected id=%d remote=%s", sub.ID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine. Pings keep idle observers inside the read deadline.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(pingEvery)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						writeErr <- err
						_ = conn.Close()
						return
					}
				case b, ok := <-sub.C:
					if !ok {
						if sub.Dropped() {
							_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(time.Second))
						}
						writeErr <- nil
						// Unblock the reader.
						_ = conn.Close()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						_ = conn.Close()
						return
					}
				}
			}
		}()

		// Reader loop: observers send nothing meaningful; reads detect close.
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Printf("observer: disconnected id=%d", sub.ID)
	}
}
