package client

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Callback interface for handling incoming WebSocket messages
type WebSocketCallback interface {
	OnMessage(message string)
	OnDisconnect(err error)
}

type WebSocketConnection struct {
	WebSocketURL string
	Conn         *websocket.Conn
	MaxRetry     int
	RetryCount   int
	mu           sync.Mutex
	connected    bool
	done         chan struct{}
	Callback     WebSocketCallback

	// Exponential backoff configuration
	BaseDelay time.Duration // The initial delay, e.g., 1 second
	MaxDelay  time.Duration // The maximum delay, e.g., 1 minute
	Dialer    websocket.Dialer
}

// IsConnected reports whether the read loop is running.
func (w *WebSocketConnection) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// ConnectWithManager dials the WebSocket, retrying with exponential backoff
// until it succeeds, MaxRetry is exceeded or ctx is done. On success the read
// loop runs in its own goroutine until the connection drops or Close is called.
func (w *WebSocketConnection) ConnectWithManager(ctx context.Context) error {
	w.RetryCount = 0
	for {
		err := w.connect(ctx)
		if err == nil {
			break
		}
		slog.Error("Connection attempt failed", "url", w.WebSocketURL, "error", err)

		if w.RetryCount >= w.MaxRetry {
			return fmt.Errorf("maximum number of retries reached (%d): %w", w.MaxRetry, err)
		}

		select {
		case <-time.After(w.getReconnectDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go w.handleMessages()
	return nil
}

func (w *WebSocketConnection) connect(ctx context.Context) error {
	conn, _, err := w.Dialer.DialContext(ctx, w.WebSocketURL, nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.Conn = conn
	w.connected = true
	w.done = make(chan struct{})
	w.mu.Unlock()
	return nil
}

// Close shuts the connection down and waits for the read loop to exit.
func (w *WebSocketConnection) Close() error {
	w.mu.Lock()
	conn, done := w.Conn, w.done
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// Handle incoming WebSocket messages
func (w *WebSocketConnection) handleMessages() {
	w.mu.Lock()
	conn, done := w.Conn, w.done
	w.mu.Unlock()

	var readErr error
	defer func() {
		conn.Close()
		w.mu.Lock()
		w.connected = false
		w.Conn = nil
		w.mu.Unlock()
		if w.Callback != nil {
			w.Callback.OnDisconnect(readErr)
		}
		close(done)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("websocket read error", "error", err)
			readErr = err
			return
		}
		if w.Callback != nil {
			w.Callback.OnMessage(string(message))
		}
	}
}

// exponential backoff calculation
func (w *WebSocketConnection) getReconnectDelay() time.Duration {
	// Calculate the delay as BaseDelay * 2^(RetryCount), capped at MaxDelay
	delay := w.BaseDelay * time.Duration(math.Pow(2, float64(w.RetryCount)))
	if delay > w.MaxDelay {
		delay = w.MaxDelay
	}
	w.RetryCount++ // Increment the retry counter for the next attempt
	return delay
}
