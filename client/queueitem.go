package client

import (
	"strings"
	"sync"

	"github.com/richinsley/arttic/graphapi"
)

type QueueItem struct {
	PromptID   string                 `json:"prompt_id"`
	Number     int                    `json:"number"`
	NodeErrors map[string]interface{} `json:"node_errors"`
	Messages   chan PromptMessage     `json:"-"`
	Prompt     *graphapi.Prompt       `json:"-"`

	done      chan struct{}
	closeOnce sync.Once
}

func newQueueItem(prompt *graphapi.Prompt) *QueueItem {
	return &QueueItem{
		Prompt:   prompt,
		Messages: make(chan PromptMessage, 16),
		done:     make(chan struct{}),
	}
}

// Close tells the client nobody is reading Messages any more. Pending and
// future sends for this item are dropped.
func (qi *QueueItem) Close() {
	qi.closeOnce.Do(func() {
		if qi.done != nil {
			close(qi.done)
		}
	})
}

// send delivers m unless the reader has gone away.
func (qi *QueueItem) send(m PromptMessage) bool {
	select {
	case qi.Messages <- m:
		return true
	case <-qi.done:
		return false
	}
}

// classType returns the class of a node in the queued prompt. Compound ids
// ("57:8") resolve to their outer node.
func (qi *QueueItem) classType(nodeID string) string {
	if qi.Prompt == nil {
		return ""
	}
	outer, _, _ := strings.Cut(nodeID, ":")
	if n, ok := qi.Prompt.Nodes[outer]; ok {
		return n.ClassType
	}
	return ""
}
