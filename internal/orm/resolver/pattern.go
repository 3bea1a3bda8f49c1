package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Selection picks one attribute. A reference selection may carry a nested
// pattern applied to the referenced entities; without one only their identity
// is returned.
type Selection struct {
	Key     string
	Pattern Pattern
}

// Pattern is the list of attributes to read at one level of the result tree
type Pattern []Selection

// Attr selects a scalar attribute, or a reference returning only identities
func Attr(key string) Selection {
	return Selection{Key: key}
}

// Join selects a reference attribute and the attributes to read from its targets
func Join(key string, sub ...Selection) Selection {
	return Selection{Key: key, Pattern: sub}
}

// UnmarshalJSON decodes a pattern written as a JSON array whose elements are
// attribute keys or objects mapping a reference key to a nested pattern, e.g.
//
//	["item/name", {"item/line-items": ["line-item/quantity"]}]
func (p *Pattern) UnmarshalJSON(data []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("pattern must be a JSON array: %w", err)
	}

	out := make(Pattern, 0, len(elems))
	for _, elem := range elems {
		elem = bytes.TrimSpace(elem)
		if len(elem) > 0 && elem[0] == '"' {
			var key string
			if err := json.Unmarshal(elem, &key); err != nil {
				return err
			}
			out = append(out, Attr(key))
			continue
		}

		var joins map[string]Pattern
		if err := json.Unmarshal(elem, &joins); err != nil {
			return fmt.Errorf("pattern element must be an attribute key or an object of nested patterns: %s", elem)
		}
		keys := make([]string, 0, len(joins))
		for k := range joins {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub := joins[k]
			if sub == nil {
				sub = Pattern{}
			}
			out = append(out, Selection{Key: k, Pattern: sub})
		}
	}

	*p = out
	return nil
}
