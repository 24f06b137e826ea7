package api

import (
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/timenic/timenic-daemon/pkg/event"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// connection relays bus events to one WebSocket client.
type connection struct {
	conn *websocket.Conn
	sub  *event.Subscriber
	bus  *event.Bus
	done chan struct{}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "push channel not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		glog.Warningf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &connection{
		conn: conn,
		sub:  s.bus.Subscribe(),
		bus:  s.bus,
		done: make(chan struct{}),
	}
	glog.Infof("push client %s connected as %s", r.RemoteAddr, c.sub.ID())

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		glog.Errorf("failed to set read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var initial interface{}
	if s.status != nil {
		initial = s.status.Snapshot()
	}
	go c.read()
	go c.run(event.New(event.Status, initial))
}

// read discards client messages and notices when the client goes away.
func (c *connection) read() {
	defer close(c.done)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(2).Infof("push client %s read: %v", c.sub.ID(), err)
			}
			return
		}
	}
}

func (c *connection) write(ev event.Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

func (c *connection) run(initial event.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.bus.Unsubscribe(c.sub)
		if err := c.conn.Close(); err != nil {
			glog.V(2).Infof("closing push client %s: %v", c.sub.ID(), err)
		}
		glog.Infof("push client %s disconnected", c.sub.ID())
	}()

	if err := c.write(initial); err != nil {
		glog.Warningf("push client %s: %v", c.sub.ID(), err)
		return
	}
	for {
		select {
		case <-c.done:
			return

		case ev, ok := <-c.sub.C():
			if !ok {
				// dropped by the bus for falling behind
				msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			if err := c.write(ev); err != nil {
				glog.Warningf("push client %s: %v", c.sub.ID(), err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				glog.Warningf("push client %s ping: %v", c.sub.ID(), err)
				return
			}
		}
	}
}
