package syncbus

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jobriver/jobriver/core"
)

const (
	writeDeadline = 10 * time.Second
	pongGrace     = 2
)

// authFrame is the first frame a connecting client must send.
type authFrame struct {
	Type       string   `json:"type"`
	ClientType string   `json:"client_type"`
	UserID     string   `json:"user_id,omitempty"`
	Subscribe  []string `json:"subscribe,omitempty"`
}

// Handler upgrades HTTP connections to websocket sessions on the bus.
// The client opens with an auth frame naming its kind and subscription
// set; the server answers with a client_connect ack carrying the
// assigned client ID and the negotiated heartbeat interval.
func Handler(bus *Bus, logger core.Logger) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		var auth authFrame
		conn.SetReadDeadline(time.Now().Add(writeDeadline))
		if err := conn.ReadJSON(&auth); err != nil || auth.Type != "auth" {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth frame required"),
				time.Now().Add(writeDeadline))
			conn.Close()
			return
		}

		types := make([]core.EventType, 0, len(auth.Subscribe))
		for _, s := range auth.Subscribe {
			types = append(types, core.EventType(s))
		}

		client, err := bus.Subscribe(auth.ClientType, auth.UserID, types)
		if err != nil {
			conn.Close()
			return
		}

		session := &wsSession{
			bus:    bus,
			client: client,
			conn:   conn,
			logger: logger,
		}
		session.sendAck()
		go session.writePump()
		go session.readPump()
	})
}

// wsSession binds one websocket connection to one bus client. Writes are
// serialized through writePump so per-client ordering holds.
type wsSession struct {
	bus    *Bus
	client *Client
	conn   *websocket.Conn
	logger core.Logger
}

func (s *wsSession) sendAck() {
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	s.conn.WriteJSON(map[string]interface{}{
		"type":               string(core.EventClientConnect),
		"client_id":          s.client.ID,
		"server_time":        time.Now().UTC().Format(time.RFC3339),
		"heartbeat_interval": s.bus.config.HeartbeatInterval.Seconds(),
	})
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(s.bus.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case event, ok := <-s.client.Receive:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) readPump() {
	defer func() {
		s.bus.Unsubscribe(s.client.ID)
		s.conn.Close()
	}()

	grace := s.bus.config.HeartbeatInterval * pongGrace
	s.conn.SetReadDeadline(time.Now().Add(grace))
	s.conn.SetPongHandler(func(string) error {
		s.client.Touch()
		s.conn.SetReadDeadline(time.Now().Add(grace))
		return nil
	})

	for {
		var frame map[string]interface{}
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				if s.logger != nil {
					s.logger.Debug("Websocket closed unexpectedly", map[string]interface{}{
						"client_id": s.client.ID,
						"error":     err.Error(),
					})
				}
			}
			return
		}

		// Application-level heartbeats count the same as pongs
		if t, _ := frame["type"].(string); t == "heartbeat" || t == "ping" {
			s.client.Touch()
			s.conn.SetReadDeadline(time.Now().Add(grace))
		}
	}
}
