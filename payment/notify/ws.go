package notify

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"shopsifu/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512

	// maxRoomsPerConn bounds the rooms, and so the relay goroutines, of one connection.
	maxRoomsPerConn = 16
)

// AllowOrigins restricts which browser origins may open a websocket. Browsers
// do not apply CORS to upgrades, so the check happens here. An empty list or
// "*" allows every origin. Call before serving.
func (h *Hub) AllowOrigins(origins ...string) {
	h.origins = origins
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// non-browser clients send no Origin
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// message is what a client sends: {"action":"join","paymentId":42}.
type message struct {
	Action    string      `json:"action"`
	PaymentID interface{} `json:"paymentId"`
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan Event
	done chan struct{}

	mu   sync.Mutex
	subs map[uint]*Subscription
}

// ServeWS upgrades the request and keeps the connection's room membership in
// sync with its join and leave messages. ?paymentId= joins on connect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:   utils.GenerateUUID(),
		hub:  h,
		conn: conn,
		send: make(chan Event, subscriptionBuffer),
		done: make(chan struct{}),
		subs: make(map[uint]*Subscription),
	}
	if id := cast.ToUint(r.URL.Query().Get("paymentId")); id > 0 {
		cl.join(id)
	}

	go cl.writePump()
	cl.readPump()
}

func (cl *client) join(paymentID uint) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, ok := cl.subs[paymentID]; ok {
		return
	}
	if len(cl.subs) >= maxRoomsPerConn {
		cl.hub.log.Debug("websocket room limit reached", zap.String("conn", cl.id), zap.Uint("payment_id", paymentID))
		return
	}

	sub := cl.hub.Subscribe(paymentID)
	cl.subs[paymentID] = sub
	go func() {
		for ev := range sub.C {
			select {
			case cl.send <- ev:
			case <-cl.done:
				return
			}
		}
	}()
	cl.hub.log.Debug("websocket joined room", zap.String("conn", cl.id), zap.Uint("payment_id", paymentID))
}

func (cl *client) leave(paymentID uint) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if sub, ok := cl.subs[paymentID]; ok {
		sub.Close()
		delete(cl.subs, paymentID)
	}
}

func (cl *client) leaveAll() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, sub := range cl.subs {
		sub.Close()
		delete(cl.subs, id)
	}
}

func (cl *client) readPump() {
	defer func() {
		close(cl.done)
		cl.leaveAll()
		cl.conn.Close()
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg message
		if err := cl.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.hub.log.Debug("websocket read failed", zap.String("conn", cl.id), zap.Error(err))
			}
			return
		}

		id, err := cast.ToUintE(msg.PaymentID)
		if err != nil || id == 0 {
			continue
		}
		switch msg.Action {
		case "join":
			cl.join(id)
		case "leave":
			cl.leave(id)
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}
