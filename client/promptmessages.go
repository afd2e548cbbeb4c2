package client

// PromptMessage is one event on a QueueItem's Messages channel. Message
// holds a pointer to the PromptMessage* type matching Type.
type PromptMessage struct {
	Type    string
	Message interface{}
}

// Message types delivered to a QueueItem.
const (
	MessageStarted   = "started"
	MessageExecuting = "executing"
	MessageProgress  = "progress"
	MessageData      = "data"
	MessageStopped   = "stopped"
)

type PromptMessageStarted struct {
	PromptID string
}

type PromptMessageExecuting struct {
	NodeID    string
	ClassType string
}

// PromptMessageProgress is a step count from a long running node, usually
// the sampler. NodeID is empty on engines that do not report it.
type PromptMessageProgress struct {
	NodeID string
	Value  int
	Max    int
}

// PromptMessageData carries the outputs a node produced, keyed by kind
// ("images", "gifs").
type PromptMessageData struct {
	NodeID string
	Data   map[string][]DataOutput
}

// PromptMessageStopped is always the last message of an item.
type PromptMessageStopped struct {
	QueueItem *QueueItem
	Reason    QueuedItemStoppedReason
	Exception *PromptMessageStoppedException
}

type PromptMessageStoppedException struct {
	NodeID           string
	NodeType         string
	ExceptionMessage string
	ExceptionType    string
	Traceback        []string
}
