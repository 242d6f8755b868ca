package workflow

// Node is one executable step in a workflow graph. Inputs hold scalars,
// strings, or node references (a two-element [id, slot] array).
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph is the full node collection submitted to the engine for one execution,
// keyed by node id.
type Graph map[string]Node

// Clone returns a deep copy of the graph. Input values are copied recursively
// so a snapshot never shares mutable state with the live graph.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		out[id] = Node{
			ClassType: node.ClassType,
			Inputs:    cloneMap(node.Inputs),
			Meta:      cloneMap(node.Meta),
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
