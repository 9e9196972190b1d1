// Package route holds the gateway's endpoint allow-list and per-endpoint
// payload rules. Routing is a table lookup, not handler registration: the
// gateway exposes a small fixed API surface and everything else is a 404.
package route

import (
	"fmt"
	"sort"
	"strings"
)

// Destination is the upstream class an endpoint is proxied to.
type Destination int

const (
	// DestExternal is the WhatsApp provider API. Requests carry the caller's
	// raw credential in the token header.
	DestExternal Destination = iota

	// DestFunction is the function backend. Requests carry the gateway's
	// bearer key plus resolved tenant identity headers; the raw credential
	// is never forwarded.
	DestFunction
)

// String returns the destination class name used in error bodies and logs.
func (d Destination) String() string {
	if d == DestExternal {
		return "external API"
	}
	return "function backend"
}

// ConditionalRule requires one of two fields depending on a switch field's
// value.
type ConditionalRule struct {
	Switch  string            // field whose value selects the requirement
	Cases   map[string]string // switch value -> required field
	Default string            // required field for any other switch value
}

// Endpoint is one allow-list entry.
type Endpoint struct {
	Path        string
	Destination Destination

	// Required lists mandatory body fields in documented order. Validation
	// reports the first missing one.
	Required []string

	// Enums constrains listed fields to a closed value set.
	Enums map[string][]string

	// Arrays lists fields that must be non-empty JSON arrays.
	Arrays []string

	Conditional *ConditionalRule
}

// table is the full endpoint allow-list.
var table = []Endpoint{
	{
		Path:        "/send-text",
		Destination: DestFunction,
		Required:    []string{"number", "text"},
	},
	{
		Path:        "/send-media",
		Destination: DestFunction,
		Required:    []string{"number", "type", "file"},
		Enums: map[string][]string{
			"type": {"image", "video", "document", "audio", "myaudio", "ptt", "sticker"},
		},
	},
	{
		Path:        "/send-menu",
		Destination: DestFunction,
		Required:    []string{"number", "type", "text", "choices"},
		Enums: map[string][]string{
			"type": {"button", "list", "poll", "carousel"},
		},
		Arrays: []string{"choices"},
	},
	{
		Path:        "/send-carousel",
		Destination: DestFunction,
		Required:    []string{"number", "text", "carousel"},
		Arrays:      []string{"carousel"},
	},
	{
		Path:        "/send-pix-button",
		Destination: DestFunction,
		Required:    []string{"number", "pixType", "pixKey"},
	},
	{
		Path:        "/send-status",
		Destination: DestFunction,
		Required:    []string{"type"},
		Conditional: &ConditionalRule{
			Switch:  "type",
			Cases:   map[string]string{"text": "text"},
			Default: "file",
		},
	},
	{Path: "/profile/name", Destination: DestExternal},
	{Path: "/profile/image", Destination: DestExternal},
	{Path: "/instance/connect", Destination: DestExternal},
	{Path: "/instance/disconnect", Destination: DestExternal},
	{Path: "/instance/status", Destination: DestExternal},
	{Path: "/instance/updateInstanceName", Destination: DestExternal},
	{Path: "/instance", Destination: DestExternal},
	{Path: "/instance/privacy", Destination: DestExternal},
	{Path: "/instance/presence", Destination: DestExternal},
	{Path: "/chatwoot/config", Destination: DestExternal},
}

var byPath = func() map[string]*Endpoint {
	m := make(map[string]*Endpoint, len(table))
	for i := range table {
		m[table[i].Path] = &table[i]
	}
	return m
}()

// Normalize canonicalizes an inbound request path so that the public
// hostname prefix, function-host prefix, and trailing-slash variants all
// resolve to the same allow-list entry.
func Normalize(path string) string {
	path = strings.TrimPrefix(path, "/whatsapp/")
	path = strings.TrimPrefix(path, "/functions/v1/")
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// Resolve looks up a normalized path in the allow-list.
func Resolve(path string) (*Endpoint, bool) {
	ep, ok := byPath[path]
	return ep, ok
}

// AllowList returns every known endpoint path, sorted, for 404 bodies.
func AllowList() []string {
	paths := make([]string, 0, len(table))
	for i := range table {
		paths = append(paths, table[i].Path)
	}
	sort.Strings(paths)
	return paths
}

// ValidateBody checks the decoded request body against the endpoint's field
// rules. Returns a caller-facing message for the first violation, checked in
// the endpoint's documented field order, or "" when the body passes.
func (e *Endpoint) ValidateBody(body map[string]any) string {
	for _, field := range e.Required {
		v, ok := body[field]
		if !ok || isEmptyValue(v) {
			return "Missing required field: " + field
		}

		if allowed, has := e.Enums[field]; has {
			s, _ := v.(string)
			if !contains(allowed, s) {
				return fmt.Sprintf("Invalid %s: %v. Allowed: %s", field, v, strings.Join(allowed, ", "))
			}
		}

		if contains(e.Arrays, field) {
			arr, ok := v.([]any)
			if !ok || len(arr) == 0 {
				return field + " must be a non-empty array"
			}
		}
	}

	if c := e.Conditional; c != nil {
		sw, _ := body[c.Switch].(string)
		required := c.Default
		if f, ok := c.Cases[sw]; ok {
			required = f
		}
		if v, ok := body[required]; !ok || isEmptyValue(v) {
			return "Missing required field: " + required
		}
	}

	return ""
}

// isEmptyValue treats JSON null and empty strings as absent.
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
