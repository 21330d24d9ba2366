package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/copyleftdev/mercury/internal/browser"
	"github.com/copyleftdev/mercury/internal/taskstypes"
)

type ParamType string

const (
	ParamString   ParamType = "string"
	ParamURL      ParamType = "url"
	ParamInt      ParamType = "int"
	ParamDuration ParamType = "duration"
	ParamSelector ParamType = "selector"
)

// ParamSpec declares one argument of a task kind. Positional arguments bind
// to params in declaration order.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Default     string    `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// RunFunc drives a borrowed page through one attempt of a task kind and
// returns the user-facing payload. It must honour ctx on every action.
type RunFunc func(ctx context.Context, page browser.Page, params taskstypes.Params) (string, error)

// Kind is a registered task definition: a parameter schema plus the browser
// action sequence that implements it.
type Kind struct {
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Params          []ParamSpec   `json:"params"`
	DefaultDeadline time.Duration `json:"default_deadline"`
	Run             RunFunc       `json:"-"`
}

// Usage renders the kind's call syntax, e.g. "extract-text <url> [selector]".
func (k Kind) Usage(prefix string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(k.Name)
	for _, p := range k.Params {
		if p.Required {
			fmt.Fprintf(&b, " <%s>", p.Name)
		} else {
			fmt.Fprintf(&b, " [%s]", p.Name)
		}
	}
	return b.String()
}

// Param looks up a parameter spec by name.
func (k Kind) Param(name string) (ParamSpec, bool) {
	for _, p := range k.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Registry maps command names to task kinds.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

func (r *Registry) Register(k Kind) error {
	if k.Name == "" {
		return fmt.Errorf("task kind name cannot be empty")
	}
	if k.Run == nil {
		return fmt.Errorf("task kind %q has no run function", k.Name)
	}
	seen := make(map[string]bool, len(k.Params))
	optional := false
	for _, p := range k.Params {
		if seen[p.Name] {
			return fmt.Errorf("task kind %q declares parameter %q twice", k.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Required && optional {
			return fmt.Errorf("task kind %q: required parameter %q follows an optional one", k.Name, p.Name)
		}
		optional = optional || !p.Required
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[k.Name]; exists {
		return fmt.Errorf("task kind %q already registered", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Kinds returns every registered kind sorted by name.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
