package filters

import "github.com/MarcoPoloResearchLab/carwatch/internal/market"

// Param is one translated marketplace query parameter.
type Param struct {
	Key    string
	Values []string
	Single bool
}

// Fragment is the ordered set of marketplace parameters for a selection.
type Fragment []Param

// Lookup returns the values emitted for a marketplace parameter key.
func (f Fragment) Lookup(key string) ([]string, bool) {
	for _, param := range f {
		if param.Key == key {
			return param.Values, true
		}
	}
	return nil, false
}

// Translate maps a canonical selection onto one marketplace's parameters.
// Keys that are unknown, unmapped for the source, or select nothing produce no
// output. Values follow registry option order with duplicates removed.
func (r *Registry) Translate(source market.Source, selected map[string][]string) Fragment {
	fragment := Fragment{}
	for _, definition := range r.filters {
		optionIDs := selected[definition.Key]
		if len(optionIDs) == 0 {
			continue
		}
		param, ok := definition.Params[source]
		if !ok {
			continue
		}
		chosen := make(map[string]struct{}, len(optionIDs))
		for _, optionID := range optionIDs {
			chosen[optionID] = struct{}{}
		}

		seen := make(map[string]struct{})
		values := make([]string, 0, len(optionIDs))
		for _, option := range definition.Options {
			if _, ok := chosen[option.ID]; !ok {
				continue
			}
			value, ok := option.Values[source]
			if !ok {
				continue
			}
			for _, item := range value.items {
				if _, dup := seen[item]; dup {
					continue
				}
				seen[item] = struct{}{}
				values = append(values, item)
			}
		}
		if len(values) == 0 {
			continue
		}
		fragment = append(fragment, Param{Key: param.Key, Values: values, Single: param.Single})
	}
	return fragment
}
