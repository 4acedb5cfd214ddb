// Package tools implements the narrow capture.ToolExecutor interface that
// Capture drives (SPEC_FULL §4.1) with a small in-memory registry and the two
// demo tools (get_weather, search_docs) the CLI exercises it with
// (SPEC_FULL §6). None of this is imported by capture/analyzer/
// optimizer/looprunner — only by cmd/rto, matching the spec's framing of
// "the concrete set of demo tools" as a narrow external collaborator.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Def describes one tool's name, description, and JSON-schema-shaped
// parameters, in the form modelclient.ToolDef expects.
type Def struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tool is an executable capability the agent can call.
type Tool interface {
	Describe() Def
	Call(ctx context.Context, input map[string]any) (string, error)
}

// Registry keeps track of tools and dispatches calls by name.
type Registry struct {
	byName map[string]Tool
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds t, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.byName[t.Describe().Name] = t
}

// Defs returns every registered tool's Def, in no particular order.
func (r *Registry) Defs() []Def {
	out := make([]Def, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t.Describe())
	}
	return out
}

// Execute implements capture.ToolExecutor: it looks up name and calls it,
// returning a "tool not found" error when the tool itself is unknown.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (string, error) {
	t, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return t.Call(ctx, input)
}

// weatherTool is a mock demo tool returning a canned reading for a
// location; it never calls a real weather API.
type weatherTool struct{}

// NewWeatherTool returns the get_weather demo tool used by the `capture`
// and `optimize` CLI subcommands' default tool set.
func NewWeatherTool() Tool { return weatherTool{} }

func (weatherTool) Describe() Def {
	return Def{
		Name:        "get_weather",
		Description: "Get the current weather for a location",
		Parameters: map[string]any{
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "City and state, e.g. San Francisco, CA",
				},
			},
			"required": []string{"location"},
		},
	}
}

func (weatherTool) Call(_ context.Context, input map[string]any) (string, error) {
	location, _ := input["location"].(string)
	if location == "" {
		return "", fmt.Errorf("location parameter is required")
	}
	payload := map[string]any{
		"location":    location,
		"temperature": 68,
		"unit":        "fahrenheit",
		"conditions":  "partly cloudy",
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// docsTool is a mock demo tool returning a canned documentation snippet
// for a query; it never performs a real search.
type docsTool struct{}

// NewDocsTool returns the search_docs demo tool.
func NewDocsTool() Tool { return docsTool{} }

func (docsTool) Describe() Def {
	return Def{
		Name:        "search_docs",
		Description: "Search internal documentation for a query",
		Parameters: map[string]any{
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
			},
			"required": []string{"query"},
		},
	}
}

func (docsTool) Call(_ context.Context, input map[string]any) (string, error) {
	query, _ := input["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query parameter is required")
	}
	return fmt.Sprintf("No indexed documentation found for %q. (demo tool: always returns this canned snippet)", query), nil
}

// DefaultRegistry returns a registry pre-populated with the demo tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewWeatherTool())
	r.Register(NewDocsTool())
	return r
}
