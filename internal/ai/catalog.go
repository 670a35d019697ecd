package ai

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

// Tool modes.
const (
	ModeList   = "list"
	ModeObject = "object"
)

// Tool is one analysis prompt with the schema its output must satisfy.
type Tool struct {
	Name         string `yaml:"name"`
	Title        string `yaml:"title"`
	Mode         string `yaml:"mode"`
	MergeKey     string `yaml:"merge_key"`
	System       string `yaml:"system"`
	Instructions string `yaml:"instructions"`
	Schema       string `yaml:"schema"`

	compiled *jsonschema.Schema
}

// Validate checks a decoded JSON value against the tool's schema.
func (t *Tool) Validate(v any) error {
	if t.compiled == nil {
		return nil
	}
	return t.compiled.Validate(v)
}

// Catalog holds the tools by name.
type Catalog struct {
	tools map[string]*Tool
}

// DefaultCatalog loads the embedded prompts.yaml.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(promptsYAML)
}

// ParseCatalog reads a catalog document and compiles every schema.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc struct {
		Tools []*Tool `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ParseCatalog: decode yaml: %w", err)
	}

	c := &Catalog{tools: make(map[string]*Tool, len(doc.Tools))}
	for _, t := range doc.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("ParseCatalog: tool without name")
		}
		if t.Mode != ModeList && t.Mode != ModeObject {
			return nil, fmt.Errorf("ParseCatalog: tool %s: mode %q", t.Name, t.Mode)
		}
		if strings.TrimSpace(t.Schema) != "" {
			sch, err := compileSchema(t.Name, t.Schema)
			if err != nil {
				return nil, fmt.Errorf("ParseCatalog: tool %s: %w", t.Name, err)
			}
			t.compiled = sch
		}
		c.tools[t.Name] = t
	}
	return c, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if !json.Valid([]byte(schema)) {
		return nil, fmt.Errorf("schema is not valid JSON")
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// Lookup accepts the catalog name or its URL slug (compliance-matrix).
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.tools[strings.ReplaceAll(strings.ToLower(name), "-", "_")]
	return t, ok
}

// Names returns the tool names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.tools))
	for name := range c.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Slug is the URL form of a tool name.
func Slug(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}
