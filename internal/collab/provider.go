// Package collab is the client side of a room: a local document replica
// kept in sync with the relay over a websocket, and a presence channel.
// The replica works offline; when the relay is unreachable the provider
// reports solo mode and keeps retrying.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/cineflow/internal/document"
	"github.com/fentz26/cineflow/internal/presence"
	"github.com/fentz26/cineflow/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection state of a provider.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	// StateSolo means the relay could not be reached in time; edits stay
	// local until a connection succeeds.
	StateSolo
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSolo:
		return "solo"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrNotConnected = errors.New("not connected to relay")
	ErrClosed       = errors.New("provider closed")
)

const writeWait = 10 * time.Second

// Options configures Dial.
type Options struct {
	// URL is the relay base address, e.g. ws://localhost:8080.
	URL  string
	Room string

	UserID      string
	DisplayName string

	// SoloAfter is how long to wait for the relay before reporting solo.
	SoloAfter  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// OnStateChange is called after every state transition.
	OnStateChange func(State)

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.Room == "" {
		o.Room = "default-room"
	}
	if o.UserID == "" {
		o.UserID = uuid.New().String()
	}
	if o.DisplayName == "" {
		o.DisplayName = "User " + o.UserID[:min(4, len(o.UserID))]
	}
	if o.SoloAfter <= 0 {
		o.SoloAfter = 5 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Provider binds a local replica to a relay room.
type Provider struct {
	opts     Options
	endpoint string
	doc      *document.Replica
	presence *presence.Channel
	log      *slog.Logger

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	synced chan struct{}
	solo   *time.Timer

	writeMu sync.Mutex

	cancel      context.CancelFunc
	done        chan struct{}
	stopObserve func()
}

// Dial creates the provider and starts connecting in the background. The
// returned document can be used at once.
func Dial(ctx context.Context, opts Options) (*Provider, error) {
	opts.withDefaults()
	endpoint, err := roomURL(opts.URL, opts.Room)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Provider{
		opts:     opts,
		endpoint: endpoint,
		doc:      document.NewReplica(opts.UserID),
		presence: presence.NewChannel(opts.UserID, opts.DisplayName, nil),
		log:      opts.Logger.With("room", opts.Room),
		state:    StateConnecting,
		synced:   make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.stopObserve = p.doc.Observe(p.onLocalChange)
	p.armSolo()

	go p.run(runCtx)
	return p, nil
}

// roomURL builds ws://host/ws/{room} from an http or ws base URL.
func roomURL(base, room string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + room
	return u.String(), nil
}

// Doc returns the local replica.
func (p *Provider) Doc() *document.Replica {
	return p.doc
}

// Presence returns the presence channel bound to the connection.
func (p *Provider) Presence() *presence.Channel {
	return p.presence
}

// State returns the current connection state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// WaitSynced blocks until the replica has exchanged state with the relay.
func (p *Provider) WaitSynced(ctx context.Context) error {
	p.mu.Lock()
	ch := p.synced
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects and stops reconnecting.
func (p *Provider) Close() error {
	p.cancel()
	<-p.done

	p.stopObserve()
	p.setState(StateClosed)
	return nil
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	if p.state == s || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()

	p.log.Info("collaboration state", "state", s.String())
	if p.opts.OnStateChange != nil {
		p.opts.OnStateChange(s)
	}
}

// armSolo switches to solo if no connection succeeds within SoloAfter.
func (p *Provider) armSolo() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.solo != nil {
		p.solo.Stop()
	}
	p.solo = time.AfterFunc(p.opts.SoloAfter, func() {
		p.mu.Lock()
		stale := p.state != StateConnecting
		p.mu.Unlock()
		if !stale {
			p.setState(StateSolo)
		}
	})
}

func (p *Provider) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		p.mu.Lock()
		if p.solo != nil {
			p.solo.Stop()
		}
		p.mu.Unlock()
	}()

	backoff := p.opts.MinBackoff
	for {
		conn, _, err := p.opts.Dialer.DialContext(ctx, p.endpoint, nil)
		if err == nil {
			backoff = p.opts.MinBackoff
			p.session(ctx, conn)
		} else {
			p.log.Debug("relay dial failed", "error", err, "retry_in", backoff)
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.opts.MaxBackoff)
	}
}

// session serves one connection until it fails.
func (p *Provider) session(ctx context.Context, conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.presence.SetSender(p.write)
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	defer func() {
		stop()
		conn.Close()
		p.presence.SetSender(nil)
		p.presence.Reset()

		p.mu.Lock()
		p.conn = nil
		select {
		case <-p.synced:
			p.synced = make(chan struct{})
		default:
		}
		p.mu.Unlock()

		if ctx.Err() == nil {
			p.setState(StateConnecting)
			p.armSolo()
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.log.Warn("relay connection lost", "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := p.handle(data); err != nil {
			p.log.Warn("dropped relay frame", "error", err)
		}
	}
}

func (p *Provider) handle(data []byte) error {
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	switch f.Type {
	case protocol.MessageSync:
		// Applied with the provider as origin so the change is not echoed.
		p.doc.Apply(f.Delta, p)
		if f.Kind != protocol.SyncStart {
			return nil
		}
		// Answer with everything we have, including offline edits.
		frame, err := protocol.EncodeSync(protocol.SyncState, p.doc.State())
		if err != nil {
			return err
		}
		if err := p.write(frame); err != nil {
			return err
		}
		p.markSynced()
		p.setState(StateConnected)
		return p.presence.Announce()

	case protocol.MessagePresence:
		return p.presence.HandleUpdate(f.Presence)
	}
	return nil
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.synced:
	default:
		close(p.synced)
	}
}

// onLocalChange forwards local edits. Offline edits are not queued; the
// state exchange on the next connection carries them.
func (p *Provider) onLocalChange(c document.Change) {
	if c.Origin == p {
		return
	}
	frame, err := protocol.EncodeSync(protocol.SyncUpdate, c.Delta)
	if err != nil {
		p.log.Error("encode update", "error", err)
		return
	}
	if err := p.write(frame); err != nil && !errors.Is(err, ErrNotConnected) {
		p.log.Warn("send update", "error", err)
	}
}

func (p *Provider) write(frame []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}
