// internal/api/websocket.go
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/StoryLoom/internal/services"
	"github.com/Corphon/StoryLoom/internal/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// the server only binds to the local learner's browser
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ClientMessage is a control message sent by the browser over the socket.
type ClientMessage struct {
	Type   string `json:"type"`
	Online *bool  `json:"online,omitempty"`
}

// WebSocketClient is one browser connection.
type WebSocketClient struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    int32
	createdAt time.Time
}

func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		client.conn.Close()
	}
}

func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// Hub fans session events out to every connected browser.
type Hub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan []byte
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	mutex      sync.RWMutex

	// OnMessage handles control messages from clients.
	OnMessage func(ClientMessage)
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WebSocketClient, 16),
		unregister: make(chan *WebSocketClient, 16),
	}
}

// Run serves the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			utils.GetLogger().Info("websocket client connected", map[string]interface{}{"clients": h.ClientCount()})

		case client := <-h.unregister:
			h.mutex.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			client.Close()

		case message := <-h.broadcast:
			h.broadcastMessage(message)

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) broadcastMessage(message []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// slow client, drop it rather than stall the session
			delete(h.clients, client)
			close(client.send)
			client.Close()
		}
	}
}

func (h *Hub) shutdown() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		close(client.send)
		client.Close()
	}
	h.clients = make(map[*WebSocketClient]bool)
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Publish implements services.EventSink. It never blocks.
func (h *Hub) Publish(event services.Event) {
	message, err := json.Marshal(map[string]interface{}{
		"type":      event.Type,
		"payload":   event.Payload,
		"timestamp": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		utils.GetLogger().Warn("event encode failed", map[string]interface{}{"type": event.Type, "error": err})
		return
	}

	select {
	case h.broadcast <- message:
	default:
		utils.GetLogger().Warn("event queue full, dropping event", map[string]interface{}{"type": event.Type})
	}
}

// ServeWS upgrades the request and pumps events to the new client.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Warn("websocket upgrade failed", map[string]interface{}{"error": err})
		return
	}

	client := &WebSocketClient{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		createdAt: time.Now(),
	}
	h.register <- client

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) readPump(client *WebSocketClient) {
	defer func() {
		h.unregister <- client
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				utils.GetLogger().Warn("websocket read failed", map[string]interface{}{"error": err})
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
}

func (h *Hub) writePump(client *WebSocketClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SocketAudioPlayer plays narration in the browser by pushing the audio over the hub.
type SocketAudioPlayer struct {
	hub *Hub
}

func NewSocketAudioPlayer(hub *Hub) *SocketAudioPlayer {
	return &SocketAudioPlayer{hub: hub}
}

func (p *SocketAudioPlayer) Play(ctx context.Context, audio []byte, mimeType string) error {
	p.hub.Publish(services.Event{Type: services.EventNarrationPlay, Payload: map[string]interface{}{
		"mime_type": mimeType,
		"audio":     base64.StdEncoding.EncodeToString(audio),
	}})
	return nil
}

func (p *SocketAudioPlayer) Stop() {
	p.hub.Publish(services.Event{Type: services.EventNarrationStop})
}

// SocketOfflineSpeaker asks the browser to use its built-in speech synthesis.
type SocketOfflineSpeaker struct {
	hub *Hub
}

func NewSocketOfflineSpeaker(hub *Hub) *SocketOfflineSpeaker {
	return &SocketOfflineSpeaker{hub: hub}
}

func (s *SocketOfflineSpeaker) Speak(text, language string) error {
	s.hub.Publish(services.Event{Type: services.EventOfflineSpeech, Payload: map[string]interface{}{
		"text":     text,
		"language": language,
	}})
	return nil
}

func (s *SocketOfflineSpeaker) Stop() {
	s.hub.Publish(services.Event{Type: services.EventNarrationStop})
}
