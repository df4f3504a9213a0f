// Package replay runs scripted browsing scenarios against in-memory pages
// with the configured plugins attached, under a simulated clock.
//
// A scenario opens one or more tabs and then applies steps in order:
// scrolling, clicks, form submits, visibility changes, history
// navigation, media query changes, element intersections, widget events
// and waits. Every hit the plugins send is collected.
package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/autotrack/internal/config"
)

// Step actions.
const (
	ActionOpen      = "open"
	ActionClose     = "close"
	ActionWait      = "wait"
	ActionScroll    = "scroll"
	ActionResize    = "resize"
	ActionClick     = "click"
	ActionSubmit    = "submit"
	ActionHide      = "hide"
	ActionShow      = "show"
	ActionNavigate  = "navigate"
	ActionMedia     = "media"
	ActionIntersect = "intersect"
	ActionWidget    = "widget"
	ActionUnload    = "unload"
	ActionSet       = "set"
)

// DefaultStart is the simulated time a scenario starts at when it names none.
var DefaultStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Scenario is a scripted browsing session.
type Scenario struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	Tabs  []TabSpec `json:"tabs"`
	Steps []Step    `json:"steps"`
}

// TabSpec describes a tab to open.
type TabSpec struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	HTML   string `json:"html"`
	Hidden bool   `json:"hidden"`
	// Viewport and Height size the window and the document in pixels.
	Viewport float64         `json:"viewport"`
	Height   float64         `json:"height"`
	Media    map[string]bool `json:"media"`
}

// Step is one scripted interaction. Which fields apply depends on Action.
type Step struct {
	Action   string         `json:"action"`
	Tab      string         `json:"tab"`
	Duration string         `json:"duration"`
	Percent  *float64       `json:"percent"`
	Top      *float64       `json:"top"`
	Viewport float64        `json:"viewport"`
	Height   float64        `json:"height"`
	Selector string         `json:"selector"`
	ID       string         `json:"id"`
	Ratio    float64        `json:"ratio"`
	Kind     string         `json:"kind"`
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Query    string         `json:"query"`
	Matches  bool           `json:"matches"`
	Event    string         `json:"event"`
	Detail   map[string]any `json:"detail"`
	Fields   map[string]any `json:"fields"`
	Open     *TabSpec       `json:"open"`
}

// Schema is the JSON schema scenario files must satisfy.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["tabs"],
  "additionalProperties": false,
  "definitions": {
    "tab": {
      "type": "object",
      "required": ["id", "url"],
      "additionalProperties": false,
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "url": {"type": "string", "minLength": 1},
        "title": {"type": "string"},
        "html": {"type": "string"},
        "hidden": {"type": "boolean"},
        "viewport": {"type": "number", "minimum": 0},
        "height": {"type": "number", "minimum": 0},
        "media": {"type": "object", "additionalProperties": {"type": "boolean"}}
      }
    }
  },
  "properties": {
    "name": {"type": "string"},
    "start": {"type": "string", "format": "date-time"},
    "tabs": {"type": "array", "items": {"$ref": "#/definitions/tab"}},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "action": {"enum": ["open", "close", "wait", "scroll", "resize", "click", "submit", "hide", "show",
            "navigate", "media", "intersect", "widget", "unload", "set"]},
          "tab": {"type": "string"},
          "duration": {"type": "string"},
          "percent": {"type": "number", "minimum": 0, "maximum": 100},
          "top": {"type": "number", "minimum": 0},
          "ratio": {"type": "number", "minimum": 0, "maximum": 1},
          "kind": {"enum": ["pushState", "replaceState", "popstate"]},
          "open": {"$ref": "#/definitions/tab"}
        },
        "allOf": [
          {"if": {"properties": {"action": {"const": "wait"}}}, "then": {"required": ["duration"]}},
          {"if": {"properties": {"action": {"const": "open"}}}, "then": {"required": ["open"]}},
          {"if": {"properties": {"action": {"enum": ["click", "submit"]}}}, "then": {"required": ["selector"]}},
          {"if": {"properties": {"action": {"const": "intersect"}}}, "then": {"required": ["id", "ratio"]}},
          {"if": {"properties": {"action": {"const": "media"}}}, "then": {"required": ["query", "matches"]}},
          {"if": {"properties": {"action": {"const": "widget"}}}, "then": {"required": ["event"]}},
          {"if": {"properties": {"action": {"const": "navigate"}}}, "then": {"required": ["url"]}}
        ]
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// Parse validates data against Schema and decodes it.
func Parse(data []byte) (*Scenario, error) {
	if err := config.ValidateDocument(schemaLoader, data); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	var sc Scenario
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	for i, st := range sc.Steps {
		if st.Duration == "" {
			continue
		}
		if _, err := time.ParseDuration(st.Duration); err != nil {
			return nil, fmt.Errorf("step %d: invalid duration %q: %w", i, st.Duration, err)
		}
	}
	if sc.Start.IsZero() {
		sc.Start = DefaultStart
	}
	return &sc, nil
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return Parse(data)
}
