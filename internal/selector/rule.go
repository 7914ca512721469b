package selector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/filemesh/filemesh/internal/config"
	"github.com/filemesh/filemesh/internal/vfs"
)

// Hints carry what the caller knows about the request being routed.
type Hints struct {
	User string `json:"user,omitempty"` // requesting identity
	Peer string `json:"peer,omitempty"` // client address, host or host:port
	Path string `json:"path,omitempty"` // target file
}

// Request is passed to every rule of a chain.
type Request struct {
	Purpose string
	Hints   Hints
}

// Rule adds score deltas to a chart. Rules of a chain run in configured
// order and may read the scores left by earlier rules.
type Rule interface {
	Kind() string
	Score(chart *ScoreChart, req Request) error
}

// Feedback is implemented by rules that remember previous winners. Select
// reports each winner to every Feedback rule of the chain that chose it.
type Feedback interface {
	Selected(purpose, slave string)
}

// Env holds the shared state factories may bind rules to.
type Env struct {
	Tree *vfs.Tree
}

// Factory builds a rule. decode fills a typed params struct from the rule's
// YAML params and leaves it untouched when none were given.
type Factory func(decode func(v any) error, env Env) (Rule, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a rule kind available to selection chains. It panics on a
// nil factory or a duplicate kind, like database/sql.Register.
func Register(kind string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("selector: Register factory is nil")
	}
	if _, dup := factories[kind]; dup {
		panic("selector: Register called twice for kind " + kind)
	}
	factories[kind] = f
}

// Kinds returns the registered rule kinds, sorted.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NewRule builds one configured rule.
func NewRule(rc config.RuleConfig, env Env) (Rule, error) {
	factoriesMu.RLock()
	f, ok := factories[rc.Kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown rule kind %q", rc.Kind)
	}

	decode := func(v any) error {
		if rc.Params.Kind == 0 {
			return nil
		}
		if err := rc.Params.Decode(v); err != nil {
			return fmt.Errorf("rule %s: params: %w", rc.Kind, err)
		}
		return nil
	}
	r, err := f(decode, env)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rc.Kind, err)
	}
	return r, nil
}
