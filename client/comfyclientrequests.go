package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/richinsley/arttic/graphapi"
)

/*
@routes.get("/view")
@routes.get("/system_stats")
@routes.get("/prompt")
@routes.get("/object_info")
@routes.get("/object_info/{node_class}")

@routes.post("/prompt")
@routes.post("/interrupt")
@routes.post("/free")
*/

// StatusError is returned when ComfyUI answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("comfyui returned %d: %s", e.StatusCode, e.Body)
}

func (c *ComfyClient) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return data, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return data, nil
}

func (c *ComfyClient) getJSON(ctx context.Context, path string, v interface{}) error {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (c *ComfyClient) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	retv := &SystemStats{}
	if err := c.getJSON(ctx, "/system_stats", retv); err != nil {
		return nil, err
	}
	return retv, nil
}

// GetImage downloads an output file reported in an "executed" message.
func (c *ComfyClient) GetImage(ctx context.Context, imageData DataOutput) ([]byte, error) {
	params := url.Values{}
	params.Add("filename", imageData.Filename)
	params.Add("subfolder", imageData.Subfolder)
	params.Add("type", imageData.Type)
	return c.do(ctx, http.MethodGet, "/view?"+params.Encode(), nil)
}

// GetQueueExecutionInfo reports how many prompts the engine has pending.
func (c *ComfyClient) GetQueueExecutionInfo(ctx context.Context) (*QueueExecInfo, error) {
	queueExec := &QueueExecInfo{}
	if err := c.getJSON(ctx, "/prompt", queueExec); err != nil {
		return nil, err
	}
	return queueExec, nil
}

// GetObjectInfo retrieves the definition of a single node class.
func (c *ComfyClient) GetObjectInfo(ctx context.Context, class string) (*graphapi.NodeObject, error) {
	data, err := c.do(ctx, http.MethodGet, "/object_info/"+url.PathEscape(class), nil)
	if err != nil {
		return nil, err
	}
	objects, err := graphapi.ParseNodeObjects(data)
	if err != nil {
		return nil, err
	}
	obj := objects.GetNodeObjectByName(class)
	if obj == nil {
		return nil, fmt.Errorf("comfyui has no node class %q", class)
	}
	return obj, nil
}

// QueuePrompt submits prompt and registers a QueueItem whose Messages channel
// receives the execution events for it. The caller must drain Messages until
// a "stopped" message arrives, or call Close on the item.
func (c *ComfyClient) QueuePrompt(ctx context.Context, prompt *graphapi.Prompt) (*QueueItem, error) {
	if err := c.CheckConnection(ctx); err != nil {
		return nil, err
	}
	prompt.ClientID = c.clientid

	// prevent a race where the ws may provide messages about a queued item before
	// we add the item to our internal map
	c.mu.Lock()
	defer c.mu.Unlock()

	body, err := c.do(ctx, http.MethodPost, "/prompt", prompt)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			// {"error": {"type": "prompt_no_outputs", "message": "Prompt has no outputs", ...}, "node_errors": []}
			perror := &PromptErrorMessage{}
			if perr := json.Unmarshal(body, perror); perr == nil && perror.Error.Message != "" {
				return nil, fmt.Errorf("comfyui rejected prompt: %s", perror.Error.Message)
			}
		}
		return nil, err
	}

	item := newQueueItem(prompt)
	if err := json.Unmarshal(body, item); err != nil {
		slog.Error("error unmarshalling queue response", "body", string(body))
		return nil, err
	}
	if item.PromptID == "" {
		return nil, errors.New("comfyui returned no prompt_id")
	}
	c.queueditems[item.PromptID] = item
	return item, nil
}

func (c *ComfyClient) Interrupt(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/interrupt", struct{}{})
	return err
}

// Free asks the server to drop loaded models and release cached memory.
func (c *ComfyClient) Free(ctx context.Context, unloadModels, freeMemory bool) error {
	_, err := c.do(ctx, http.MethodPost, "/free", FreeRequest{UnloadModels: unloadModels, FreeMemory: freeMemory})
	return err
}
