package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Pool fans conversation events out to websocket subscribers. A connection
// that fails a write is dropped on the spot; clients reconnect and catch up
// through get_history.
type Pool struct {
	convID string
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewPool(convID string) *Pool {
	return &Pool{
		convID: convID,
		logger: log.With().Str("component", "server").Str("conv_id", convID).Logger(),
		conns:  map[*websocket.Conn]struct{}{},
	}
}

func (p *Pool) Add(conn *websocket.Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) Remove(conn *websocket.Conn) {
	if p == nil || conn == nil {
		return
	}
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

// Broadcast writes one frame to every subscriber.
func (p *Pool) Broadcast(data []byte) {
	if p == nil || len(data) == 0 {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.logger.Warn().Err(err).Msg("ws broadcast failed, dropping connection")
			delete(p.conns, conn)
			_ = conn.Close()
		}
	}
	p.mu.Unlock()
}

func (p *Pool) Count() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Pool) CloseAll() {
	if p == nil {
		return
	}
	p.mu.Lock()
	for conn := range p.conns {
		_ = conn.Close()
		delete(p.conns, conn)
	}
	p.mu.Unlock()
}
