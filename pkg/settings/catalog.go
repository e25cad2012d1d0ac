package settings

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var modelsYAML []byte

// ModelInfo describes one entry of the model catalog. ContextTokens is the
// provider's context window ceiling; MaxResponseTokens caps what a request
// may reserve for the reply.
type ModelInfo struct {
	ID                string `yaml:"id" json:"id"`
	DisplayName       string `yaml:"display_name" json:"display_name"`
	ContextTokens     int    `yaml:"context_tokens" json:"context_tokens"`
	MaxResponseTokens int    `yaml:"max_response_tokens" json:"max_response_tokens"`
	Encoding          string `yaml:"encoding" json:"encoding"`
}

type Catalog struct {
	models []ModelInfo
	byID   map[string]ModelInfo
}

type catalogFile struct {
	Models []ModelInfo `yaml:"models"`
}

func LoadCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "settings: parse model catalog")
	}
	if len(f.Models) == 0 {
		return nil, errors.New("settings: model catalog is empty")
	}
	c := &Catalog{byID: make(map[string]ModelInfo, len(f.Models))}
	for i, m := range f.Models {
		if strings.TrimSpace(m.ID) == "" {
			return nil, errors.Errorf("settings: catalog entry %d has no id", i)
		}
		if m.ContextTokens <= 0 || m.MaxResponseTokens <= 0 {
			return nil, errors.Errorf("settings: catalog entry %s has invalid token limits", m.ID)
		}
		if _, ok := c.byID[m.ID]; ok {
			return nil, errors.Errorf("settings: duplicate catalog entry %s", m.ID)
		}
		c.byID[m.ID] = m
		c.models = append(c.models, m)
	}
	return c, nil
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
)

// DefaultCatalog parses the embedded catalog once. The embedded data ships
// with the binary, so a parse failure is a build defect and panics.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := LoadCatalog(modelsYAML)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	if c == nil {
		return ModelInfo{}, false
	}
	m, ok := c.byID[id]
	return m, ok
}

// List returns the catalog sorted by id.
func (c *Catalog) List() []ModelInfo {
	if c == nil {
		return nil
	}
	out := make([]ModelInfo, len(c.models))
	copy(out, c.models)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
