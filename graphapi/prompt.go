package graphapi

import (
	"strconv"
)

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID  string                `json:"client_id"`
	Nodes     map[string]PromptNode `json:"prompt"`
	ExtraData PromptExtraData       `json:"extra_data"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	float64 / int
	//	string
	//	bool
	//	Link, which serializes as [target node id, slot index]
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
}

// PromptExtraData is passed back by ComfyUI's SaveImage node and written into
// the PNG tEXt chunks of the output, one chunk per key.
type PromptExtraData struct {
	PngInfo map[string]interface{} `json:"extra_pnginfo,omitempty"`
}

// Link references output slot Slot of node NodeID.
type Link struct {
	NodeID string
	Slot   int
}

func (l Link) MarshalJSON() ([]byte, error) {
	return []byte(`[` + strconv.Quote(l.NodeID) + `,` + strconv.Itoa(l.Slot) + `]`), nil
}

// Builder assembles a Prompt, handing out sequential node ids.
type Builder struct {
	nodes  map[string]PromptNode
	nextID int
}

func NewBuilder() *Builder {
	return &Builder{
		nodes:  make(map[string]PromptNode),
		nextID: 1,
	}
}

// Add appends a node and returns its id.
func (b *Builder) Add(classType string, inputs map[string]interface{}) string {
	id := strconv.Itoa(b.nextID)
	b.nextID++
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	b.nodes[id] = PromptNode{
		Inputs:    inputs,
		ClassType: classType,
	}
	return id
}

// Node returns the node with the given id.
func (b *Builder) Node(id string) (PromptNode, bool) {
	n, ok := b.nodes[id]
	return n, ok
}

// Prompt returns the assembled prompt for clientID.
func (b *Builder) Prompt(clientID string) *Prompt {
	nodes := make(map[string]PromptNode, len(b.nodes))
	for k, v := range b.nodes {
		nodes[k] = v
	}
	return &Prompt{
		ClientID: clientID,
		Nodes:    nodes,
	}
}

// FindNode returns the lowest id of a node with the given class type.
func (p *Prompt) FindNode(classType string) (string, bool) {
	found, best := "", 0
	for id, n := range p.Nodes {
		if n.ClassType != classType {
			continue
		}
		v, err := strconv.Atoi(id)
		if err != nil {
			v = int(^uint(0) >> 1)
		}
		if found == "" || v < best {
			found, best = id, v
		}
	}
	return found, found != ""
}
