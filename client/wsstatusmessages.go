package client

import (
	"encoding/json"
	"log/slog"
)

// WSStatusMessage is a frame from ComfyUI's /ws endpoint. Data points to
// the WSMessage* type registered for Type, or is nil for types arttic does
// not track (crystools.monitor, progress_state and the like).
type WSStatusMessage struct {
	Type string
	Data interface{}
}

var wsMessageData = map[string]func() interface{}{
	"status":                func() interface{} { return &WSMessageDataStatus{} },
	"execution_start":       func() interface{} { return &WSMessageDataExecutionStart{} },
	"execution_cached":      func() interface{} { return &WSMessageDataExecutionCached{} },
	"executing":             func() interface{} { return &WSMessageDataExecuting{} },
	"progress":              func() interface{} { return &WSMessageDataProgress{} },
	"executed":              func() interface{} { return &WSMessageDataExecuted{} },
	"execution_success":     func() interface{} { return &WSMessageExecutionSuccess{} },
	"execution_interrupted": func() interface{} { return &WSMessageExecutionInterrupted{} },
	"execution_error":       func() interface{} { return &WSMessageExecutionError{} },
}

func (sm *WSStatusMessage) UnmarshalJSON(b []byte) error {
	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &frame); err != nil {
		return err
	}

	sm.Type = frame.Type
	sm.Data = nil
	newData, ok := wsMessageData[frame.Type]
	if !ok {
		return nil
	}
	sm.Data = newData()
	if len(frame.Data) == 0 {
		return nil
	}
	return json.Unmarshal(frame.Data, sm.Data)
}

// PromptID returns the prompt a message refers to, or "" for messages that
// carry none (status, and progress from older servers).
func (sm *WSStatusMessage) PromptID() string {
	switch d := sm.Data.(type) {
	case *WSMessageDataExecutionStart:
		return d.PromptID
	case *WSMessageDataExecutionCached:
		return d.PromptID
	case *WSMessageDataExecuting:
		return d.PromptID
	case *WSMessageDataProgress:
		return d.PromptID
	case *WSMessageDataExecuted:
		return d.PromptID
	case *WSMessageExecutionSuccess:
		return d.PromptID
	case *WSMessageExecutionInterrupted:
		return d.PromptID
	case *WSMessageExecutionError:
		return d.PromptID
	}
	return ""
}

type WSMessageDataStatus struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

type WSMessageDataExecutionStart struct {
	PromptID string `json:"prompt_id"`
}

type WSMessageDataExecutionCached struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

// Node is nil once the last node of a prompt has run. Ids may be compound
// ("57:8") for nodes expanded at execution time.
type WSMessageDataExecuting struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type WSMessageDataProgress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
	Node     string `json:"node"`
}

type WSMessageDataExecuted struct {
	Node     string                  `json:"node"`
	Output   map[string][]DataOutput `json:"output"`
	PromptID string                  `json:"prompt_id"`
}

func (mde *WSMessageDataExecuted) UnmarshalJSON(b []byte) error {
	var temp struct {
		Node      string                 `json:"node"`
		OutputRaw map[string]interface{} `json:"output"`
		PromptID  string                 `json:"prompt_id"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	mde.Node = temp.Node
	mde.PromptID = temp.PromptID
	mde.Output = make(map[string][]DataOutput)
	for k, v := range temp.OutputRaw {
		entries, ok := v.([]interface{})
		if !ok {
			continue
		}
		outputs := []DataOutput{}
		for _, i := range entries {
			switch e := i.(type) {
			case map[string]interface{}:
				filename, _ := e["filename"].(string)
				kind, _ := e["type"].(string)
				if filename == "" || kind == "" {
					slog.Warn("executed output entry missing fields", "node", temp.Node, "entry", e)
					continue
				}
				subfolder, _ := e["subfolder"].(string)
				outputs = append(outputs, DataOutput{Filename: filename, Subfolder: subfolder, Type: kind})
			case string:
				outputs = append(outputs, DataOutput{Type: "text", Text: e})
			default:
				slog.Warn("executed output entry of unknown type", "node", temp.Node, "entry", i)
			}
		}
		mde.Output[k] = outputs
	}
	return nil
}

type WSMessageExecutionSuccess struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp"`
}

type WSMessageExecutionInterrupted struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

type WSMessageExecutionError struct {
	PromptID         string                 `json:"prompt_id"`
	Node             string                 `json:"node_id"`
	NodeType         string                 `json:"node_type"`
	Executed         []string               `json:"executed"`
	ExceptionMessage string                 `json:"exception_message"`
	ExceptionType    string                 `json:"exception_type"`
	Traceback        []string               `json:"traceback"`
	CurrentInputs    map[string]interface{} `json:"current_inputs"`
	CurrentOutputs   map[string]interface{} `json:"current_outputs"`
}
