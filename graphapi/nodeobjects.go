package graphapi

import (
	"encoding/json"
)

// NodeObjects is a decoded /object_info response, keyed by node class.
type NodeObjects struct {
	Objects map[string]*NodeObject
}

// NodeObject describes one node class the engine can run.
type NodeObject struct {
	Input       NodeObjectInput `json:"input"`
	Output      []string        `json:"output"`
	OutputName  []string        `json:"output_name"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	OutputNode  bool            `json:"output_node"`
}

// NodeObjectInput holds the raw input specs. Each spec is a JSON array whose
// first element is a type name or, for combos, the list of choices.
type NodeObjectInput struct {
	Required map[string]json.RawMessage `json:"required"`
	Optional map[string]json.RawMessage `json:"optional,omitempty"`
}

func ParseNodeObjects(data []byte) (*NodeObjects, error) {
	result := &NodeObjects{}
	if err := json.Unmarshal(data, &result.Objects); err != nil {
		return nil, err
	}
	return result, nil
}

// GetNodeObjectByName returns nil for unknown classes.
func (n *NodeObjects) GetNodeObjectByName(name string) *NodeObject {
	if n == nil {
		return nil
	}
	return n.Objects[name]
}

// ComboOptions returns the choices of a combo input such as ckpt_name or
// sampler_name. Both the legacy [[choices...], {opts}] form and the newer
// ["COMBO", {"options": [...]}] form are understood.
func (n *NodeObject) ComboOptions(input string) []string {
	if n == nil {
		return nil
	}
	raw, ok := n.Input.Required[input]
	if !ok {
		raw, ok = n.Input.Optional[input]
	}
	if !ok {
		return nil
	}

	var spec []json.RawMessage
	if err := json.Unmarshal(raw, &spec); err != nil || len(spec) == 0 {
		return nil
	}

	var choices []string
	if err := json.Unmarshal(spec[0], &choices); err == nil {
		return choices
	}

	var typ string
	if err := json.Unmarshal(spec[0], &typ); err != nil || typ != "COMBO" || len(spec) < 2 {
		return nil
	}
	var opts struct {
		Options []string `json:"options"`
	}
	if err := json.Unmarshal(spec[1], &opts); err != nil {
		return nil
	}
	return opts.Options
}
