package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/dgnsrekt/canvas_capture/internal/protocol"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ServeWS accepts frame agents living in another process. The first text
// frame must be a register handshake naming the tab and the agent's
// context; every later frame is one protocol message.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			hub.opts.Logger.Debug("relay ws: upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var hello protocol.Message
		if err := json.Unmarshal(data, &hello); err != nil || hello.Command != protocol.CmdRegister {
			hub.opts.Logger.Warn("relay ws: bad handshake", "error", err, "command", hello.Command)
			return
		}
		if hello.Source == "" || hello.Source.Reserved() {
			hub.opts.Logger.Warn("relay ws: refused reserved context", "tab", hello.TabID, "context", hello.Source)
			return
		}
		port, err := hub.Connect(hello.TabID, hello.Source)
		if err != nil {
			hub.opts.Logger.Warn("relay ws: connect refused", "tab", hello.TabID, "context", hello.Source, "error", err)
			return
		}
		defer port.Close()

		go writeLoop(conn, port)

		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				hub.opts.Logger.Debug("relay ws: read loop exit", "context", port.Context(), "error", err)
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				hub.opts.Logger.Debug("relay ws: dropped malformed frame", "context", port.Context(), "error", err)
				continue
			}
			if err := port.Send(msg); err != nil {
				return
			}
		}
	}
}

func writeLoop(conn net.Conn, port *Port) {
	for {
		select {
		case <-port.Done():
			return
		case msg := <-port.Receive():
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerText(conn, data); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// WSPort is the agent side of a websocket relay connection.
type WSPort struct {
	tabID int
	ctx   protocol.ContextID

	writeMu sync.Mutex
	conn    net.Conn

	inbox  chan protocol.Message
	closed chan struct{}
	once   sync.Once
}

// DialWS connects an agent to a relay served by ServeWS.
func DialWS(ctx context.Context, url string, tabID int, id protocol.ContextID) (*WSPort, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("relay ws: dial: %w", err)
	}
	p := &WSPort{
		tabID:  tabID,
		ctx:    id,
		conn:   conn,
		inbox:  make(chan protocol.Message, portBufSize),
		closed: make(chan struct{}),
	}
	hello := protocol.New(protocol.CmdRegister, id, protocol.Background)
	hello.TabID = tabID
	if err := p.write(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay ws: handshake: %w", err)
	}
	go p.readLoop()
	return p, nil
}

func (p *WSPort) readLoop() {
	defer p.Close()
	for {
		data, err := wsutil.ReadServerText(p.conn)
		if err != nil {
			slog.Debug("relay ws client: read loop exit", "context", p.ctx, "error", err)
			return
		}
		var msg protocol.Message
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		select {
		case p.inbox <- msg:
		case <-p.closed:
			return
		}
	}
}

func (p *WSPort) write(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wsutil.WriteClientText(p.conn, data)
}

func (p *WSPort) Context() protocol.ContextID { return p.ctx }

// Send stamps and writes msg.
func (p *WSPort) Send(msg protocol.Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	msg.TabID = p.tabID
	msg.Source = p.ctx
	return p.write(msg)
}

func (p *WSPort) Receive() <-chan protocol.Message { return p.inbox }

func (p *WSPort) Done() <-chan struct{} { return p.closed }

// Close drops the connection; the relay synthesizes the disconnect.
func (p *WSPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}
