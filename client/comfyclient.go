package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type QueuedItemStoppedReason string

const (
	QueuedItemStoppedReasonFinished    QueuedItemStoppedReason = "finished"
	QueuedItemStoppedReasonInterrupted QueuedItemStoppedReason = "interrupted"
	QueuedItemStoppedReasonError       QueuedItemStoppedReason = "error"
	QueuedItemStoppedReasonDisconnect  QueuedItemStoppedReason = "disconnected"
)

// ErrDisconnected is reported to queued items still running when the
// websocket to ComfyUI drops.
var ErrDisconnected = errors.New("comfyui connection lost")

type ComfyClientCallbacks struct {
	ClientQueueCountChanged func(*ComfyClient, int)
	QueuedItemStarted       func(*ComfyClient, *QueueItem)
	QueuedItemStopped       func(*ComfyClient, *QueueItem, QueuedItemStoppedReason)
	QueuedItemDataAvailable func(*ComfyClient, *QueueItem, *PromptMessageData)
}

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	baseURL   *url.URL
	clientid  string
	callbacks *ComfyClientCallbacks

	httpclient *http.Client
	webSocket  *WebSocketConnection

	mu                    sync.Mutex
	initialized           bool
	queueditems           map[string]*QueueItem
	queuecount            int
	lastProcessedPromptID string
}

// NewComfyClient creates a client for the ComfyUI server at baseURL
// (for example "http://127.0.0.1:8188"). No connection is made until Init.
func NewComfyClient(baseURL string, callbacks *ComfyClientCallbacks) (*ComfyClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse comfyui url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("comfyui url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("comfyui url %q: missing host", baseURL)
	}

	c := &ComfyClient{
		baseURL:     u,
		clientid:    uuid.New().String(),
		callbacks:   callbacks,
		queueditems: make(map[string]*QueueItem),
		httpclient:  &http.Client{},
	}
	c.webSocket = &WebSocketConnection{
		WebSocketURL: c.wsURL(),
		MaxRetry:     5,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Callback:     c,
	}
	return c, nil
}

// NewComfyClientWithTimeout is NewComfyClient with a per-request HTTP timeout
// and a websocket retry budget.
func NewComfyClientWithTimeout(baseURL string, callbacks *ComfyClientCallbacks, timeout time.Duration, retry int) (*ComfyClient, error) {
	c, err := NewComfyClient(baseURL, callbacks)
	if err != nil {
		return nil, err
	}
	c.httpclient.Timeout = timeout
	c.webSocket.MaxRetry = retry
	c.webSocket.Dialer.HandshakeTimeout = timeout
	return c, nil
}

func (c *ComfyClient) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientid}}.Encode()
	return u.String()
}

func (c *ComfyClient) endpoint(path string) string {
	return c.baseURL.String() + path
}

// BaseURL returns the ComfyUI server address.
func (c *ComfyClient) BaseURL() string {
	return c.baseURL.String()
}

// IsInitialized returns true if the client's websocket is connected and initialized
func (c *ComfyClient) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.webSocket.IsConnected()
}

// CheckConnection checks if the websocket connection is still active and tries to reinitialize if not
func (c *ComfyClient) CheckConnection(ctx context.Context) error {
	if !c.IsInitialized() {
		return c.Init(ctx)
	}
	return nil
}

// Init starts the websocket connection if it is not already connected.
func (c *ComfyClient) Init(ctx context.Context) error {
	if !c.webSocket.IsConnected() {
		if err := c.webSocket.ConnectWithManager(ctx); err != nil {
			return fmt.Errorf("connect to comfyui websocket: %w", err)
		}
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Close drops the websocket. Queued items still running are stopped with
// QueuedItemStoppedReasonDisconnect.
func (c *ComfyClient) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.webSocket.Close()
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// QueueCount returns the queue length last reported by the server.
func (c *ComfyClient) QueueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queuecount
}

// GetQueuedItem returns a QueueItem that was queued with the ComfyClient, that has not been processed yet
// or is currently being processed.  Once a QueueItem has been processed, it will not be available with this method.
func (c *ComfyClient) GetQueuedItem(promptID string) *QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueditems[promptID]
}

// OnDisconnect stops every item still waiting on the dropped connection.
func (c *ComfyClient) OnDisconnect(err error) {
	c.mu.Lock()
	c.initialized = false
	items := c.queueditems
	c.queueditems = make(map[string]*QueueItem)
	c.mu.Unlock()

	msg := ErrDisconnected.Error()
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	for _, qi := range items {
		c.stop(qi, QueuedItemStoppedReasonDisconnect, &PromptMessageStoppedException{
			ExceptionType:    "ConnectionError",
			ExceptionMessage: msg,
		})
	}
}

// OnMessage processes each message received from the websocket connection to ComfyUI.
// The messages are parsed, and translated into PromptMessage structs and placed into the correct QueuedItem's message channel.
func (c *ComfyClient) OnMessage(msg string) {
	message := &WSStatusMessage{}
	if err := json.Unmarshal([]byte(msg), message); err != nil {
		slog.Error("Deserializing Status Message:", "error", err)
		return
	}

	if message.Type == "status" {
		s := message.Data.(*WSMessageDataStatus)
		c.mu.Lock()
		c.queuecount = s.Status.ExecInfo.QueueRemaining
		c.mu.Unlock()
		if c.callbacks != nil && c.callbacks.ClientQueueCountChanged != nil {
			c.callbacks.ClientQueueCountChanged(c, s.Status.ExecInfo.QueueRemaining)
		}
		return
	}

	qi := c.itemFor(message)

	switch message.Type {
	case "execution_start":
		if qi != nil {
			if c.callbacks != nil && c.callbacks.QueuedItemStarted != nil {
				c.callbacks.QueuedItemStarted(c, qi)
			}
			qi.send(PromptMessage{Type: MessageStarted, Message: &PromptMessageStarted{PromptID: qi.PromptID}})
		}
	case "execution_cached":
		// nothing to report for cached nodes
	case "executing":
		s := message.Data.(*WSMessageDataExecuting)
		if qi == nil {
			return
		}
		if s.Node == nil {
			// final node was processed
			c.stop(qi, QueuedItemStoppedReasonFinished, nil)
			return
		}
		qi.send(PromptMessage{
			Type:    MessageExecuting,
			Message: &PromptMessageExecuting{NodeID: *s.Node, ClassType: qi.classType(*s.Node)},
		})
	case "progress":
		s := message.Data.(*WSMessageDataProgress)
		if qi != nil {
			qi.send(PromptMessage{
				Type:    MessageProgress,
				Message: &PromptMessageProgress{NodeID: s.Node, Value: s.Value, Max: s.Max},
			})
		}
	case "executed":
		s := message.Data.(*WSMessageDataExecuted)
		if qi == nil {
			return
		}
		mdata := &PromptMessageData{NodeID: s.Node, Data: s.Output}
		if c.callbacks != nil && c.callbacks.QueuedItemDataAvailable != nil {
			c.callbacks.QueuedItemDataAvailable(c, qi, mdata)
		}
		qi.send(PromptMessage{Type: MessageData, Message: mdata})
	case "execution_success":
		if qi != nil {
			c.stop(qi, QueuedItemStoppedReasonFinished, nil)
		}
	case "execution_interrupted":
		if qi != nil {
			c.stop(qi, QueuedItemStoppedReasonInterrupted, &PromptMessageStoppedException{
				ExceptionType:    "InterruptedError",
				ExceptionMessage: "execution interrupted",
			})
		}
	case "execution_error":
		s := message.Data.(*WSMessageExecutionError)
		if qi != nil {
			c.stop(qi, QueuedItemStoppedReasonError, &PromptMessageStoppedException{
				NodeID:           s.Node,
				NodeType:         s.NodeType,
				ExceptionMessage: s.ExceptionMessage,
				ExceptionType:    s.ExceptionType,
				Traceback:        s.Traceback,
			})
		}
	case "crystools.monitor", "progress_state", "executing_text":
	default:
		slog.Debug("Unhandled message type", "type", message.Type)
	}
}

// itemFor finds the queued item a message belongs to. Messages without a
// prompt id belong to the prompt that started last.
func (c *ComfyClient) itemFor(message *WSStatusMessage) *QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := message.PromptID()
	if message.Type == "execution_start" {
		c.lastProcessedPromptID = id
	}
	if id == "" {
		id = c.lastProcessedPromptID
	}
	return c.queueditems[id]
}

// stop removes qi from the queue and sends its final message. Only the first
// stop for an item is delivered.
func (c *ComfyClient) stop(qi *QueueItem, reason QueuedItemStoppedReason, exc *PromptMessageStoppedException) {
	c.mu.Lock()
	if c.queueditems[qi.PromptID] == qi {
		delete(c.queueditems, qi.PromptID)
	} else if reason != QueuedItemStoppedReasonDisconnect {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.callbacks != nil && c.callbacks.QueuedItemStopped != nil {
		c.callbacks.QueuedItemStopped(c, qi, reason)
	}
	qi.send(PromptMessage{
		Type:    MessageStopped,
		Message: &PromptMessageStopped{QueueItem: qi, Reason: reason, Exception: exc},
	})
}
