package gateway

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatroster/pkg/bus"
	"chatroster/pkg/metrics"
	"chatroster/pkg/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	changeBuffer   = 16
)

// rosterFrame is pushed to websocket clients on connect and after every
// roster change.
type rosterFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	rosterResponse
}

func (s *Service) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts same-origin requests, requests without an Origin
// header, and origins listed in gateway.allowed_origins.
func (s *Service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.Gateway.AllowedOrigins, "*") || slices.Contains(s.cfg.Gateway.AllowedOrigins, origin) {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func (s *Service) handleRosterSocket(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := s.acquireSession(w, r)
	if !ok {
		return
	}
	defer release()

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &rosterClient{
		id:      uuid.NewString(),
		conn:    conn,
		session: sess,
		search:  r.URL.Query().Get("q"),
		service: s,
	}
	client.serve()
}

// rosterClient pushes projections of one session to one websocket.
type rosterClient struct {
	id      string
	conn    *websocket.Conn
	session *session.Session
	search  string
	service *Service
}

func (c *rosterClient) serve() {
	log := c.service.log.With("connection_id", c.id, "subscriber", c.session.SubscriberID())

	metrics.WebsocketClients.Inc()
	defer metrics.WebsocketClients.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, unsubscribe := c.session.Changes(ctx, changeBuffer)
	defer unsubscribe()

	go c.readPump(cancel)

	log.Debug("Websocket client connected")
	defer log.Debug("Websocket client disconnected")
	defer c.conn.Close()

	if err := c.push(); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-changes:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if event.Type != bus.EventRosterChanged || event.Version <= lastVersion {
				continue
			}
			lastVersion = event.Version
			if err := c.push(); err != nil {
				log.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *rosterClient) push() error {
	frame := rosterFrame{
		Type:           "roster",
		ConnectionID:   c.id,
		rosterResponse: buildRosterResponse(c.session, c.search),
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// readPump discards client frames and cancels the connection on close.
func (c *rosterClient) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
