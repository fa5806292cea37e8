package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Spec describes one predictor to construct.
type Spec struct {
	Name    string
	Kind    string
	Command string
	Args    []string
	Dir     string
	Env     []string
	BaseURL string
	Model   string
	System  string
	APIKey  string
	Output  string
}

// Constructor builds a Predictor from a Spec.
type Constructor func(Spec) (Predictor, error)

// Registry maps a backend kind to its constructor.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a Registry with the built-in kinds "cli", "http" and
// "static" registered.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.Register("cli", newCLIFromSpec)
	r.Register("http", newHTTPFromSpec)
	r.Register("static", newStaticFromSpec)
	return r
}

// Register adds or replaces the constructor for kind.
func (r *Registry) Register(kind string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[kind] = ctor
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New constructs the predictor described by spec.
func (r *Registry) New(spec Spec) (Predictor, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("predictor spec has no name")
	}
	r.mu.RLock()
	ctor, ok := r.ctors[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("predictor %s: unknown kind %q (known: %s)", spec.Name, spec.Kind, strings.Join(r.Kinds(), ", "))
	}
	p, err := ctor(spec)
	if err != nil {
		return nil, fmt.Errorf("predictor %s: %w", spec.Name, err)
	}
	return p, nil
}

func newCLIFromSpec(s Spec) (Predictor, error) {
	if s.Command == "" {
		return nil, fmt.Errorf("cli backend requires a command")
	}
	return NewCLI(s.Name, s.Command, s.Args).WithDir(s.Dir).WithEnv(s.Env...), nil
}

func newHTTPFromSpec(s Spec) (Predictor, error) {
	if s.BaseURL == "" || s.Model == "" {
		return nil, fmt.Errorf("http backend requires base_url and model")
	}
	return NewHTTP(s.Name, s.BaseURL, s.Model).WithSystem(s.System).WithAPIKey(s.APIKey), nil
}

func newStaticFromSpec(s Spec) (Predictor, error) {
	return NewStatic(s.Name, s.Output, ""), nil
}
