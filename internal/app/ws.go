package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agora/api/internal/chat"
	"agora/api/internal/store"
	"agora/api/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsMaxMessage = 4096
)

// Chat is open to anonymous readers, so origin checks buy nothing here;
// abuse control is the policy engine keyed by network identity.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type wsInbound struct {
	Type       string `json:"type"`
	SenderName string `json:"sender_name"`
	Stance     string `json:"stance"`
	Body       string `json:"body"`
}

type wsOutbound struct {
	Type              string              `json:"type"`
	Message           *store.ChatMessage  `json:"message,omitempty"`
	Messages          []store.ChatMessage `json:"messages,omitempty"`
	SecondsLeft       int                 `json:"seconds_left,omitempty"`
	Reason            string              `json:"reason,omitempty"`
	Banned            bool                `json:"banned,omitempty"`
	RetryAfterSeconds int                 `json:"retry_after_seconds,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	out  chan wsOutbound
	done chan struct{}
}

func (s *HTTPServer) handleChatWS(w http.ResponseWriter, r *http.Request, slug, identity string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Printf("ws: upgrade: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		out:  make(chan wsOutbound, 64),
		done: make(chan struct{}),
	}

	session, err := s.service.OpenChatSession(r.Context(), slug, identity, func(ev chat.Event) {
		client.push(outboundFromEvent(ev))
	})
	if err != nil {
		log.Printf("ws: open chat session for %s: %v", slug, err)
		conn.Close()
		return
	}
	defer session.Close()

	client.push(snapshot(session.Messages(r.URL.Query().Get("stance"))))

	go client.writePump()
	client.readPump(r.Context(), session)
}

// push drops frames instead of blocking a slow client; durable messages
// come back on the next snapshot anyway.
func (c *wsClient) push(msg wsOutbound) {
	select {
	case <-c.done:
	case c.out <- msg:
	default:
	}
}

func (c *wsClient) readPump(ctx context.Context, session *chat.Session) {
	defer func() {
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var in wsInbound
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws: read: %v", err)
			}
			return
		}

		switch in.Type {
		case "send":
			if _, err := session.Send(ctx, in.SenderName, in.Stance, in.Body); err != nil {
				c.push(outboundFromError(err))
			}
		case "filter":
			c.push(snapshot(session.Messages(in.Stance)))
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func outboundFromEvent(ev chat.Event) wsOutbound {
	switch ev.Type {
	case chat.EventCountdown:
		return wsOutbound{Type: string(ev.Type), SecondsLeft: ev.SecondsLeft}
	default:
		return wsOutbound{Type: string(ev.Type), Message: ev.Message}
	}
}

func outboundFromError(err error) wsOutbound {
	var rejected *chat.RejectedError
	if errors.As(err, &rejected) {
		return wsOutbound{
			Type:              "rejected",
			Reason:            rejected.Reason,
			Banned:            rejected.Banned,
			RetryAfterSeconds: util.CeilSeconds(rejected.RetryAfter),
		}
	}
	if errors.Is(err, chat.ErrNotSaved) {
		return wsOutbound{Type: "rejected", Reason: "message not saved"}
	}
	return wsOutbound{Type: "rejected", Reason: "something went wrong, try again"}
}

func snapshot(messages []store.ChatMessage) wsOutbound {
	return wsOutbound{Type: "snapshot", Messages: messages}
}
