package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrMalformedGraph   = errors.New("workflow: malformed graph")
	ErrNodeNotFound     = errors.New("workflow: node not found")
	ErrFieldNotAccepted = errors.New("workflow: field not accepted by node")
	ErrNoTextField      = errors.New("workflow: no recognized text input field")
)

// Store owns the in-memory workflow graph. All mutation goes through its API
// and is atomic with respect to Snapshot.
type Store struct {
	mu     sync.Mutex
	graph  Graph
	logger zerolog.Logger
}

func NewStore(logger zerolog.Logger) *Store {
	return &Store{logger: logger}
}

// Load replaces the held graph wholesale. The input must be a JSON object of
// node id to node, every node carrying an inputs section.
func (s *Store) Load(raw []byte) error {
	var graph Graph
	if err := json.Unmarshal(raw, &graph); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedGraph, err)
	}
	for id, node := range graph {
		if node.Inputs == nil {
			return fmt.Errorf("%w: node %s has no inputs section", ErrMalformedGraph, id)
		}
	}

	s.mu.Lock()
	s.graph = graph
	s.mu.Unlock()

	s.logger.Info().Int("nodes", len(graph)).Msg("Workflow graph loaded")
	return nil
}

// LoadFile reads a workflow API JSON file and loads it.
func (s *Store) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedGraph, err)
	}
	if err := s.Load(raw); err != nil {
		return err
	}
	s.logger.Info().Str("file", path).Msg("Workflow file loaded")
	return nil
}

// Loaded reports whether a graph is currently held.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph != nil
}

// SetField updates one input field on one node and returns the previous
// value. Fields not already present on the node are rejected rather than
// injected, so a typo cannot silently grow the graph.
func (s *Store) SetField(nodeID, field string, value any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.graph[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	prev, ok := node.Inputs[field]
	if !ok {
		return nil, fmt.Errorf("%w: node %s has no input %q", ErrFieldNotAccepted, nodeID, field)
	}
	node.Inputs[field] = value

	s.logger.Info().
		Str("nodeId", nodeID).
		Str("field", field).
		Msg("Updated workflow node input")
	return prev, nil
}

// InputFields returns the set of input field names on a node.
func (s *Store) InputFields(nodeID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.graph[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	fields := make(map[string]bool, len(node.Inputs))
	for name := range node.Inputs {
		fields[name] = true
	}
	return fields, nil
}

// Snapshot returns a deep copy of the current graph for submission. Later
// mutations of the store never reach a snapshot already handed out.
func (s *Store) Snapshot() Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.Clone()
}
