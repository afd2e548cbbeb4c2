package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/richinsley/arttic/logger"
	"github.com/richinsley/arttic/pipeline"
)

const (
	actionLoadModel     = "load_model"
	actionGenerateImage = "generate_image"
	actionUnloadModel   = "unload_model"

	msgProgressUpdate     = "progress_update"
	msgModelLoaded        = "model_loaded"
	msgGenerationComplete = "generation_complete"
	msgGalleryUpdated     = "gallery_updated"
	msgModelUnloaded      = "model_unloaded"
	msgError              = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
	actionBuffer   = 16
)

type request struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type progressData struct {
	Progress    float64 `json:"progress"`
	Description string  `json:"description"`
}

type generationData struct {
	ImageFilename string `json:"image_filename"`
	Info          string `json:"info"`
}

// Hub tracks the connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues m for every client. Clients whose queue is full are
// disconnected.
func (h *Hub) Broadcast(m message) {
	b, err := json.Marshal(m)
	if err != nil {
		slog.Error("could not encode broadcast", "type", m.Type, "error", err)
		return
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.trySend(b) {
			slog.Warn("dropping slow websocket client", "client", c.id)
			c.close()
		}
	}
}

// CloseAll disconnects every client and returns how many there were.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return len(clients)
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	actions chan request
	done    chan struct{}
	once    sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// trySend queues b without blocking.
func (c *wsClient) trySend(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// reply queues m, waiting for room unless the client is gone.
func (c *wsClient) reply(m message) {
	b, err := json.Marshal(m)
	if err != nil {
		slog.Error("could not encode websocket message", "type", m.Type, "error", err)
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	}
}

func (c *wsClient) replyError(err error) {
	c.reply(message{Type: msgError, Data: gin.H{"message": err.Error()}})
}

// progress forwards updates to this client only. Updates are dropped when
// the queue is full.
func (c *wsClient) progress(fraction float64, description string) {
	b, err := json.Marshal(message{Type: msgProgressUpdate, Data: progressData{Progress: fraction, Description: description}})
	if err != nil {
		return
	}
	c.trySend(b)
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsClient) readLoop(ctx context.Context) {
	defer c.close()
	log := logger.WithContext(ctx)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Warn("malformed websocket message", "error", err)
			c.replyError(fmt.Errorf("malformed message: %w", err))
			continue
		}

		select {
		case c.actions <- req:
		default:
			c.replyError(fmt.Errorf("too many pending requests, %w", pipeline.ErrBusy))
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if s.cfg.EnableCORS {
		u.CheckOrigin = func(*http.Request) bool { return true }
	}
	return u
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the response
		logger.WithContext(c.Request.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		id:      uuid.New().String(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		actions: make(chan request, actionBuffer),
		done:    make(chan struct{}),
	}
	s.hub.add(client)

	// the request context ends with the handler, so the client gets its own
	ctx, cancel := context.WithCancel(logger.SetRequestID(context.Background(), client.id))
	log := logger.WithContext(ctx)
	log.Info("websocket client connected", "remote", c.Request.RemoteAddr, "clients", s.hub.Len())

	go client.writeLoop()
	go s.serveActions(ctx, client)

	client.readLoop(ctx)

	cancel()
	s.hub.remove(client)
	log.Info("websocket client disconnected", "clients", s.hub.Len())
}

// serveActions runs one client's requests in arrival order.
func (s *Server) serveActions(ctx context.Context, c *wsClient) {
	for {
		select {
		case req := <-c.actions:
			s.dispatch(ctx, c, req)
		case <-c.done:
			return
		}
	}
}

func decodePayload(req request, v any) error {
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrInvalidRequest, err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, c *wsClient, req request) {
	log := logger.WithContext(ctx)

	switch req.Action {
	case actionLoadModel:
		var p pipeline.LoadRequest
		if err := decodePayload(req, &p); err != nil {
			c.replyError(err)
			return
		}
		res, err := s.manager.Load(ctx, p, c.progress)
		if err != nil {
			log.Error("load failed", "model", p.ModelName, "error", err)
			c.replyError(err)
			return
		}
		c.reply(message{Type: msgModelLoaded, Data: res})

	case actionGenerateImage:
		var p pipeline.GenerateRequest
		if err := decodePayload(req, &p); err != nil {
			c.replyError(err)
			return
		}
		res, err := s.manager.Generate(ctx, p, c.progress)
		if err != nil {
			log.Error("generation failed", "error", err)
			c.replyError(err)
			return
		}
		c.reply(message{Type: msgGenerationComplete, Data: generationData{ImageFilename: res.ImageFilename, Info: res.Info}})
		s.broadcastGallery()

	case actionUnloadModel:
		msg, err := s.manager.Unload(ctx)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(message{Type: msgModelUnloaded, Data: gin.H{"status_message": msg}})

	default:
		log.Warn("unknown websocket action", "action", req.Action)
	}
}
