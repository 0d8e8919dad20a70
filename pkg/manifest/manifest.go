package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/dispatch/pkg/types"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// ErrUnknownFormat is returned for files that are neither YAML nor TOML
var ErrUnknownFormat = errors.New("unknown manifest format")

// Defaults apply to every item that leaves the field unset
type Defaults struct {
	Kind    string   `yaml:"kind" toml:"kind"`
	Tags    []string `yaml:"tags" toml:"tags"`
	Weight  int      `yaml:"weight" toml:"weight"`
	Archive bool     `yaml:"archive" toml:"archive"`
	Retry   bool     `yaml:"retry" toml:"retry"`
}

// Item is one work item in an itinerary file. Resources are written as
// "type:id:operation".
type Item struct {
	ID           string         `yaml:"id" toml:"id"`
	Kind         string         `yaml:"kind" toml:"kind"`
	Args         map[string]any `yaml:"args" toml:"args"`
	Resources    []string       `yaml:"resources" toml:"resources"`
	Tags         []string       `yaml:"tags" toml:"tags"`
	Weight       *int           `yaml:"weight" toml:"weight"`
	Dependencies []string       `yaml:"dependencies" toml:"dependencies"`
	Archive      *bool          `yaml:"archive" toml:"archive"`
	Retry        *bool          `yaml:"retry" toml:"retry"`
	Barrier      bool           `yaml:"barrier" toml:"barrier"`
}

// Itinerary is a batch of related work items submitted as one group
type Itinerary struct {
	Name     string   `yaml:"name" toml:"name"`
	Defaults Defaults `yaml:"defaults" toml:"defaults"`
	Items    []Item   `yaml:"items" toml:"items"`
}

// Load reads an itinerary file. The format is chosen by extension: .yaml and
// .yml for YAML, .toml for TOML.
func Load(path string) (*Itinerary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	case ".toml":
		return ParseTOML(data)
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
}

// ParseYAML parses a YAML itinerary
func ParseYAML(data []byte) (*Itinerary, error) {
	var it Itinerary
	if err := yaml.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("parsing YAML itinerary: %w", err)
	}
	return &it, nil
}

// ParseTOML parses a TOML itinerary
func ParseTOML(data []byte) (*Itinerary, error) {
	var it Itinerary
	if err := toml.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("parsing TOML itinerary: %w", err)
	}
	return &it, nil
}

// WorkItems converts the itinerary into work items with defaults applied
func (it *Itinerary) WorkItems() ([]*types.WorkItem, error) {
	if len(it.Items) == 0 {
		return nil, errors.New("itinerary has no items")
	}

	items := make([]*types.WorkItem, 0, len(it.Items))
	for i, in := range it.Items {
		item, err := it.convert(in)
		if err != nil {
			name := in.ID
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("item %s: %w", name, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (it *Itinerary) convert(in Item) (*types.WorkItem, error) {
	d := it.Defaults
	item := &types.WorkItem{
		ID:           in.ID,
		Kind:         in.Kind,
		Tags:         append(append([]string(nil), d.Tags...), in.Tags...),
		Weight:       d.Weight,
		Dependencies: in.Dependencies,
		Archive:      d.Archive,
		Retry:        d.Retry,
		Barrier:      in.Barrier,
	}
	if item.Kind == "" {
		item.Kind = d.Kind
	}
	if in.Weight != nil {
		item.Weight = *in.Weight
	}
	if in.Archive != nil {
		item.Archive = *in.Archive
	}
	if in.Retry != nil {
		item.Retry = *in.Retry
	}

	if len(in.Args) > 0 {
		args, err := json.Marshal(in.Args)
		if err != nil {
			return nil, fmt.Errorf("encoding args: %w", err)
		}
		item.Args = args
	}

	item.Resources = make(types.ResourceMap, len(in.Resources))
	for _, spec := range in.Resources {
		key, op, err := ParseResource(spec)
		if err != nil {
			return nil, err
		}
		item.Resources[key] = op
	}
	return item, nil
}

// ParseResource parses "type:id:operation". The id may itself contain
// colons; the operation is everything after the last one.
func ParseResource(s string) (types.ResourceKey, types.Operation, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return types.ResourceKey{}, "", fmt.Errorf("invalid resource %q, expected type:id:operation", s)
	}
	key, err := types.ParseResourceKey(s[:i])
	if err != nil {
		return types.ResourceKey{}, "", fmt.Errorf("invalid resource %q, expected type:id:operation", s)
	}
	op := types.Operation(strings.ToLower(s[i+1:]))
	if !op.Valid() {
		return types.ResourceKey{}, "", fmt.Errorf("invalid operation %q in resource %q", op, s)
	}
	return key, op, nil
}
