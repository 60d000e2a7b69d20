package relay

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultMaxMessageSize bounds an incoming frame.
const DefaultMaxMessageSize = 8 << 20

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendQueue  = 256
)

var (
	// ErrSlowPeer is returned when a peer's send queue is full. The peer is
	// disconnected.
	ErrSlowPeer = errors.New("peer send queue full")
	// ErrPeerClosed is returned when sending to a closed peer.
	ErrPeerClosed = errors.New("peer closed")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsPeer is a websocket client. Reads happen on the serving goroutine;
// writes go through a buffered queue drained by writePump.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendQueue),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string {
	return p.id
}

func (p *wsPeer) Send(frame []byte) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- frame:
		return nil
	default:
		p.close()
		return ErrSlowPeer
	}
}

func (p *wsPeer) close() {
	p.once.Do(func() { close(p.done) })
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				p.close()
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}
		case <-p.done:
			p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// ServeWS upgrades the request and relays frames between the client and
// the room until the connection ends.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := m.Room(r.Context(), roomID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.cfg.log.Warn("websocket upgrade failed", "room", room.ID(), "error", err)
		return
	}

	p := newWSPeer(conn)
	go p.writePump()
	defer p.close()

	if err := room.Connect(p); err != nil {
		m.cfg.log.Warn("connect peer", "room", room.ID(), "peer", p.ID(), "error", err)
		return
	}
	defer room.Disconnect(p)

	conn.SetReadLimit(m.cfg.maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.cfg.log.Debug("websocket read", "room", room.ID(), "peer", p.ID(), "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			m.cfg.metrics.FrameDropped("text")
			continue
		}
		// Errors are already logged and counted by the room.
		_ = room.HandleMessage(p, data)
	}
}
