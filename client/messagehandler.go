package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/richinsley/arttic/graphapi"
)

// Handlers receives the messages of one queued prompt. Nil fields are
// skipped. An exception on the stopped message is returned by
// ProcessMessages as an *ExecutionError after Stopped has run.
type Handlers struct {
	Started   func(*PromptMessageStarted)
	Executing func(*PromptMessageExecuting)
	Progress  func(*PromptMessageProgress)
	Data      func(*PromptMessageData)
	Stopped   func(*PromptMessageStopped)
}

// ExecutionError is a prompt that stopped with an exception.
type ExecutionError struct {
	Reason    QueuedItemStoppedReason
	Exception *PromptMessageStoppedException
}

func (e *ExecutionError) Error() string {
	exc := e.Exception
	if exc.NodeType != "" {
		return fmt.Sprintf("execution %s in %s: %s - %s", e.Reason, exc.NodeType, exc.ExceptionType, exc.ExceptionMessage)
	}
	return fmt.Sprintf("execution %s: %s - %s", e.Reason, exc.ExceptionType, exc.ExceptionMessage)
}

// ProcessMessages dispatches the item's messages to h until the prompt stops
// or ctx ends. The item is closed on return, so the client never blocks on
// an abandoned item.
func (qi *QueueItem) ProcessMessages(ctx context.Context, h *Handlers) error {
	if h == nil {
		h = &Handlers{}
	}
	defer qi.Close()

	for {
		var msg PromptMessage
		select {
		case msg = <-qi.Messages:
		case <-ctx.Done():
			return ctx.Err()
		}

		switch m := msg.Message.(type) {
		case *PromptMessageStarted:
			slog.Debug("Prompt started", "prompt_id", m.PromptID)
			if h.Started != nil {
				h.Started(m)
			}
		case *PromptMessageExecuting:
			slog.Debug("Executing node", "prompt_id", qi.PromptID, "node_id", m.NodeID, "class_type", m.ClassType)
			if h.Executing != nil {
				h.Executing(m)
			}
		case *PromptMessageProgress:
			if h.Progress != nil {
				h.Progress(m)
			}
		case *PromptMessageData:
			if h.Data != nil {
				h.Data(m)
			}
		case *PromptMessageStopped:
			if h.Stopped != nil {
				h.Stopped(m)
			}
			if m.Exception == nil {
				slog.Debug("Prompt finished", "prompt_id", qi.PromptID, "reason", m.Reason)
				return nil
			}
			slog.Error("Prompt failed", "prompt_id", qi.PromptID, "reason", m.Reason,
				"node_type", m.Exception.NodeType, "error", m.Exception.ExceptionMessage)
			return &ExecutionError{Reason: m.Reason, Exception: m.Exception}
		default:
			slog.Warn("Unknown prompt message", "type", msg.Type)
		}
	}
}

// QueuePromptAndProcess queues prompt and runs ProcessMessages on the new
// item.
func (c *ComfyClient) QueuePromptAndProcess(ctx context.Context, prompt *graphapi.Prompt, h *Handlers) error {
	item, err := c.QueuePrompt(ctx, prompt)
	if err != nil {
		return fmt.Errorf("queue prompt: %w", err)
	}
	return item.ProcessMessages(ctx, h)
}
