package workflow

import "fmt"

// textFieldCandidates is the ordered set of input field names recognized as
// text targets. The fixed order makes fallback resolution deterministic.
var textFieldCandidates = []string{
	"text",
	"prompt",
	"value",
	"text_positive",
	"text_negative",
	"system",
	"style",
	"style_name",
	"key",
	"url",
	"model",
}

// Mapper resolves logical role names to node ids. It is what keeps the HTTP
// contract workflow-agnostic: callers address roles or raw ids, never shapes.
type Mapper struct {
	mappings Mappings
	variant  string
}

func NewMapper(mappings Mappings, variant string) *Mapper {
	return &Mapper{mappings: mappings, variant: variant}
}

// Resolve maps a role name to its configured node id. The active variant's
// sub-mapping wins over the top-level roles; anything unmapped is treated as
// a literal node id.
func (m *Mapper) Resolve(roleOrID string) string {
	if m.variant != "" {
		if sub, ok := m.mappings.Variants[m.variant]; ok {
			if id, ok := sub[roleOrID]; ok {
				return id
			}
		}
	}
	if id, ok := m.mappings.Roles[roleOrID]; ok {
		return id
	}
	return roleOrID
}

// SaveImageNode returns the node id configured for the save_image_node role.
func (m *Mapper) SaveImageNode() string {
	if id := m.Resolve("save_image_node"); id != "save_image_node" {
		return id
	}
	return defaultSaveImageNode
}

// FindTextField picks the input field a text update should write to. A
// preferred field present on the node wins; otherwise the candidates are
// scanned in order and the first one present is used.
func FindTextField(fields map[string]bool, preferred string) (string, error) {
	if preferred != "" && fields[preferred] {
		return preferred, nil
	}
	for _, candidate := range textFieldCandidates {
		if fields[candidate] {
			return candidate, nil
		}
	}
	if preferred != "" {
		return "", fmt.Errorf("%w: %q not present and no candidate matched", ErrNoTextField, preferred)
	}
	return "", ErrNoTextField
}
