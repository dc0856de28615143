// Package inventory resolves a query into the ordered list of targets to connect to.
package inventory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"fleetsh/internal/filter"
	"fleetsh/internal/target"
)

// DefaultAttribute is the node attribute holding the connect address when nothing else is configured
const DefaultAttribute = "fqdn"

// cloudAttribute takes precedence over the default attribute when set
const cloudAttribute = "cloud.public_hostname"

// Node is one inventory record
type Node struct {
	Name       string         `yaml:"name" json:"name"`
	Attributes map[string]any `yaml:"attributes" json:"attributes"`
}

// Values returns every scalar stored at a dotted attribute path. Lists
// contribute each element. "name" falls back to the node name.
func (n Node) Values(path string) []string {
	v, ok := lookup(n.Attributes, path)
	if !ok {
		if path == "name" && n.Name != "" {
			return []string{n.Name}
		}
		return nil
	}

	switch val := v.(type) {
	case []any:
		var out []string
		for _, e := range val {
			if s, ok := scalar(e); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := scalar(val); ok {
			return []string{s}
		}
		return nil
	}
}

// Attribute returns the scalar at path, or "" when it is missing or not a scalar
func (n Node) Attribute(path string) string {
	v, ok := lookup(n.Attributes, path)
	if !ok {
		return ""
	}
	s, _ := scalar(v)
	return s
}

func lookup(attrs map[string]any, path string) (any, bool) {
	if attrs == nil {
		return nil, false
	}
	if v, ok := attrs[path]; ok {
		return v, true
	}

	var cur any = attrs
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case map[string]any, []any:
		return "", false
	case string:
		return val, true
	default:
		return fmt.Sprintf("%v", val), true
	}
}

// Provider defines the interface for inventory sources
type Provider interface {
	// Nodes loads every node record from the source
	Nodes() ([]Node, error)
}

// FileInventory reads node records from a YAML or JSON file
type FileInventory struct {
	path string
}

// NewFileInventory creates a new file inventory provider
func NewFileInventory(path string) *FileInventory {
	return &FileInventory{path: path}
}

// inventoryData is the document layout: either a bare list of nodes or a
// mapping with a "nodes" key
type inventoryData struct {
	Nodes []Node `yaml:"nodes" json:"nodes"`
}

// Nodes loads and parses the inventory file
func (fi *FileInventory) Nodes() ([]Node, error) {
	file, err := os.Open(target.ExpandHome(fi.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	nodes, err := parse(content, strings.ToLower(filepath.Ext(fi.path)) == ".json")
	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory file %s: %w", fi.path, err)
	}

	for i, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("inventory file %s: node %d has no name", fi.path, i+1)
		}
	}
	return nodes, nil
}

func parse(content []byte, isJSON bool) ([]Node, error) {
	unmarshal := yaml.Unmarshal
	if isJSON {
		unmarshal = json.Unmarshal
	}

	var list []Node
	if err := unmarshal(content, &list); err == nil {
		return list, nil
	}

	var data inventoryData
	if err := unmarshal(content, &data); err != nil {
		return nil, err
	}
	return data.Nodes, nil
}

// StaticInventory provides a fixed set of nodes
type StaticInventory struct {
	nodes []Node
}

// NewStaticInventory creates a new static inventory
func NewStaticInventory(nodes ...Node) *StaticInventory {
	return &StaticInventory{nodes: nodes}
}

// Nodes returns all nodes in the static inventory
func (si *StaticInventory) Nodes() ([]Node, error) {
	return si.nodes, nil
}

// Resolution is the outcome of resolving a query
type Resolution struct {
	Targets []target.Target
	Matched int      // Nodes that matched before connect-address resolution
	Missing []string // Names of matched nodes lacking a connect address
}

// Resolver turns queries into targets
type Resolver struct {
	// Attribute overrides the connect address attribute for every node
	Attribute string
	// DefaultAttribute is used when neither Attribute nor the cloud hostname is set
	DefaultAttribute string

	provider Provider
}

// NewResolver creates a resolver over provider
func NewResolver(provider Provider, attribute, defaultAttribute string) *Resolver {
	if defaultAttribute == "" {
		defaultAttribute = DefaultAttribute
	}
	return &Resolver{
		Attribute:        attribute,
		DefaultAttribute: defaultAttribute,
		provider:         provider,
	}
}

// Resolve evaluates query against the inventory and returns the matching
// nodes' connect addresses in inventory order
func (r *Resolver) Resolve(query string) (Resolution, error) {
	f, err := filter.Parse(query)
	if err != nil {
		return Resolution{}, err
	}

	nodes, err := r.provider.Nodes()
	if err != nil {
		return Resolution{}, err
	}

	matched := filter.Apply(nodes, f)
	res := Resolution{Matched: len(matched)}
	seen := make(map[string]bool, len(matched))

	for _, n := range matched {
		addr := r.ConnectAddress(n)
		if addr == "" {
			res.Missing = append(res.Missing, n.Name)
			continue
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		res.Targets = append(res.Targets, target.Target{Host: addr, Original: addr})
	}
	sort.Strings(res.Missing)

	return res, nil
}

// ConnectAddress picks the attribute used to reach n.
// Precedence: explicit override > cloud public hostname > default attribute.
func (r *Resolver) ConnectAddress(n Node) string {
	if r.Attribute != "" {
		return n.Attribute(r.Attribute)
	}
	if v := n.Attribute(cloudAttribute); v != "" {
		return v
	}
	return n.Attribute(r.DefaultAttribute)
}

// ResolveManual parses query as a whitespace separated host list
func ResolveManual(query string) (Resolution, error) {
	targets, err := target.ParseList(query)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Targets: targets, Matched: len(targets)}, nil
}
