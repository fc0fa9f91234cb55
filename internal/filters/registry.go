package filters

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/carwatch/internal/market"
)

var (
	// ErrInvalidRegistry indicates a malformed filter definition.
	ErrInvalidRegistry = errors.New("filters: invalid registry")
	// ErrUnknownFilter indicates a canonical key or option id absent from the registry.
	ErrUnknownFilter = errors.New("filters: unknown filter")
)

// Value is the raw marketplace value of a canonical option: one scalar or a list.
type Value struct {
	items []string
}

// Scalar returns a single-valued Value.
func Scalar(value string) Value {
	return Value{items: []string{value}}
}

// List returns a multi-valued Value.
func List(values ...string) Value {
	return Value{items: append([]string(nil), values...)}
}

// Items returns the raw values.
func (v Value) Items() []string {
	return append([]string(nil), v.items...)
}

// SourceParam names the marketplace query parameter for a canonical key.
// Single marks parameters that accept only one value.
type SourceParam struct {
	Key    string
	Single bool
}

// Option is one selectable canonical value of a filter.
type Option struct {
	ID     string
	Label  string
	Values map[market.Source]Value
}

// Filter is the definition of one canonical filter key.
type Filter struct {
	Key     string
	Label   string
	Params  map[market.Source]SourceParam
	Options []Option
}

// Registry is the read-only mapping of canonical filters to marketplace parameters.
type Registry struct {
	filters []Filter
	index   map[string]int
}

// NewRegistry validates the definitions and builds a Registry. Definition order
// is preserved and drives the order of translated output.
func NewRegistry(definitions ...Filter) (*Registry, error) {
	registry := &Registry{
		filters: make([]Filter, 0, len(definitions)),
		index:   make(map[string]int, len(definitions)),
	}
	for _, definition := range definitions {
		key := strings.TrimSpace(definition.Key)
		if key == "" {
			return nil, fmt.Errorf("%w: empty filter key", ErrInvalidRegistry)
		}
		if _, exists := registry.index[key]; exists {
			return nil, fmt.Errorf("%w: duplicate filter key %q", ErrInvalidRegistry, key)
		}
		optionIDs := make(map[string]struct{}, len(definition.Options))
		for _, option := range definition.Options {
			if strings.TrimSpace(option.ID) == "" {
				return nil, fmt.Errorf("%w: empty option id in %q", ErrInvalidRegistry, key)
			}
			if _, exists := optionIDs[option.ID]; exists {
				return nil, fmt.Errorf("%w: duplicate option %q in %q", ErrInvalidRegistry, option.ID, key)
			}
			optionIDs[option.ID] = struct{}{}
		}
		for source, param := range definition.Params {
			if strings.TrimSpace(param.Key) == "" {
				return nil, fmt.Errorf("%w: empty %s parameter for %q", ErrInvalidRegistry, source, key)
			}
		}
		definition.Key = key
		registry.index[key] = len(registry.filters)
		registry.filters = append(registry.filters, definition)
	}
	return registry, nil
}

// Filters returns the definitions in registry order.
func (r *Registry) Filters() []Filter {
	return append([]Filter(nil), r.filters...)
}

// Lookup returns the definition for a canonical key.
func (r *Registry) Lookup(key string) (Filter, bool) {
	position, ok := r.index[key]
	if !ok {
		return Filter{}, false
	}
	return r.filters[position], true
}

// Validate checks that every key and option id of a selection is registered.
func (r *Registry) Validate(selected map[string][]string) error {
	for key, optionIDs := range selected {
		definition, ok := r.Lookup(key)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFilter, key)
		}
		for _, optionID := range optionIDs {
			if _, ok := definition.option(optionID); !ok {
				return fmt.Errorf("%w: %q has no option %q", ErrUnknownFilter, key, optionID)
			}
		}
	}
	return nil
}

func (f Filter) option(id string) (Option, bool) {
	for _, option := range f.Options {
		if option.ID == id {
			return option, true
		}
	}
	return Option{}, false
}
