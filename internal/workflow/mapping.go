package workflow

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

const defaultSaveImageNode = "9"

// Mappings is the static role configuration: logical role names mapped to
// node ids, plus per-variant sub-mappings that override the top level.
// Immutable after load.
type Mappings struct {
	Roles    map[string]string
	Variants map[string]map[string]string
}

type mappingsFile struct {
	NodeMappings map[string]any `toml:"node_mappings"`
}

// LoadMappings parses a node-mapping TOML file. String entries under
// [node_mappings] are roles; sub-tables are workflow-variant overrides.
func LoadMappings(path string) (Mappings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Mappings{}, fmt.Errorf("node mappings: %w", err)
	}

	var file mappingsFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return Mappings{}, fmt.Errorf("node mappings: %w", err)
	}

	m := Mappings{
		Roles:    make(map[string]string),
		Variants: make(map[string]map[string]string),
	}
	for key, value := range file.NodeMappings {
		switch v := value.(type) {
		case string:
			m.Roles[key] = v
		case map[string]any:
			sub := make(map[string]string, len(v))
			for role, id := range v {
				idStr, ok := id.(string)
				if !ok {
					return Mappings{}, fmt.Errorf("node mappings: variant %s role %s is not a string", key, role)
				}
				sub[role] = idStr
			}
			m.Variants[key] = sub
		default:
			return Mappings{}, fmt.Errorf("node mappings: entry %s is neither a node id nor a variant table", key)
		}
	}
	return m, nil
}
