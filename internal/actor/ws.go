package actor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weavenet/weave/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256
)

// wsRequest is a client frame: {type:"prompt", id, prompt, options?}.
type wsRequest struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id"`
	Prompt  string                 `json:"prompt"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type wsResult struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Result interface{} `json:"result"`
}

type wsError struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// wsSession is one live websocket attachment to the actor. writePump owns all
// writes to the connection; readPump owns all reads.
type wsSession struct {
	actor *Actor
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
}

// HandleWS upgrades the request to a long-lived session. Auth has already
// happened at the gateway.
func (a *Actor) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "agent", a.name, "error", err)
		return
	}
	s := &wsSession{
		actor: a,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
	a.wsMu.Lock()
	a.ws[s] = struct{}{}
	a.wsMu.Unlock()
	if a.deps.Metrics != nil {
		a.deps.Metrics.WSSessions.Inc()
	}

	slog.Info("websocket session attached", "agent", a.name)
	go s.writePump()
	go s.readPump()
}

// pushToSessions fans an event out to every attached session. A session that
// cannot keep up is dropped silently.
func (a *Actor) pushToSessions(event *events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	a.wsMu.Lock()
	defer a.wsMu.Unlock()
	for s := range a.ws {
		select {
		case s.send <- payload:
		default:
			go s.close()
		}
	}
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.actor.wsMu.Lock()
		delete(s.actor.ws, s)
		s.actor.wsMu.Unlock()
		if s.actor.deps.Metrics != nil {
			s.actor.deps.Metrics.WSSessions.Dec()
		}
		s.conn.Close()
		slog.Info("websocket session detached", "agent", s.actor.name)
	})
}

func (s *wsSession) reply(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	case <-s.done:
	}
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (s *wsSession) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "agent", s.actor.name, "error", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.reply(wsError{Type: "prompt.error", Error: "Invalid JSON"})
			continue
		}
		if req.Type != "prompt" {
			s.reply(wsError{Type: "prompt.error", ID: req.ID, Error: "unknown message type"})
			continue
		}
		s.handlePrompt(req)
	}
}

// handlePrompt enqueues the prompt on the actor mailbox and replies when it
// completes. The read pump keeps running meanwhile, so one slow prompt does
// not starve pings or later frames.
func (s *wsSession) handlePrompt(req wsRequest) {
	s.actor.submit(func(ctx context.Context) {
		result, err := s.actor.promptLocked(ctx, req.Prompt, req.Options)
		if err != nil {
			s.reply(wsError{Type: "prompt.error", ID: req.ID, Error: err.Error()})
			return
		}
		s.reply(wsResult{Type: "prompt.result", ID: req.ID, Result: result})
	})
}
