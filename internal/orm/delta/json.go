package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/conduit-lang/attrdb/internal/orm/schema"
	"github.com/google/uuid"
)

// TempIDPrefix marks JSON identifiers that are placeholders
const TempIDPrefix = "tmp-"

type jsonEntry struct {
	Entity  json.RawMessage       `json:"entity"`
	Changes map[string]jsonChange `json:"changes"`
	Delete  bool                  `json:"delete"`
}

type jsonChange struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// DecodeJSON reads a delta in its JSON form:
//
//	[{"entity": ["item/id", "tmp-1"], "changes": {"item/name": {"after": "Widget"}}},
//	 {"entity": ["item/id", 7], "delete": true}]
//
// Reference values are [identity-key, id] pairs, or lists of them for to-many
// attributes. Identifier strings starting with "tmp-" are placeholders.
func DecodeJSON(r io.Reader, reg *schema.Registry) (*Delta, error) {
	var entries []jsonEntry
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to parse delta: %w", err)
	}

	d := New()
	for i, e := range entries {
		ref, err := decodeRef(e.Entity, reg)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if e.Delete {
			d.Tombstone(ref)
		}
		for key, c := range e.Changes {
			attr, _ := reg.Attribute(key)
			before, err := decodeValue(c.Before, attr, reg)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %s: %w", i, key, err)
			}
			after, err := decodeValue(c.After, attr, reg)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %s: %w", i, key, err)
			}
			d.Put(ref, key, Change{Before: before, After: after})
		}
		if !e.Delete && len(e.Changes) == 0 {
			d.entry(ref)
		}
	}
	return d, nil
}

func decodeRef(raw json.RawMessage, reg *schema.Registry) (EntityRef, error) {
	var pair []interface{}
	if err := unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return EntityRef{}, fmt.Errorf("entity ref must be [identity-key, id], got %s", string(raw))
	}
	key, ok := pair[0].(string)
	if !ok {
		return EntityRef{}, fmt.Errorf("identity key must be a string, got %v", pair[0])
	}

	switch id := pair[1].(type) {
	case string:
		if strings.HasPrefix(id, TempIDPrefix) {
			return Temp(key, TempID(id)), nil
		}
		if entity, ok := reg.EntityForIdentity(key); ok && entity.Identity.Type == schema.TypeUUIDIdentifier {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return EntityRef{}, fmt.Errorf("invalid uuid %q: %w", id, err)
			}
			return Ref(key, parsed), nil
		}
		return Ref(key, id), nil
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return EntityRef{}, fmt.Errorf("identifier %s is not an integer", id)
		}
		return Ref(key, n), nil
	default:
		return EntityRef{}, fmt.Errorf("unsupported identifier %v", pair[1])
	}
}

func decodeValue(raw json.RawMessage, attr *schema.AttributeSpec, reg *schema.Registry) (interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	if attr == nil {
		var v interface{}
		err := unmarshal(raw, &v)
		return v, err
	}

	switch attr.Type {
	case schema.TypeReference:
		if !attr.IsMany() {
			return decodeRef(raw, reg)
		}
		var items []json.RawMessage
		if err := unmarshal(raw, &items); err != nil {
			return nil, err
		}
		refs := make([]EntityRef, 0, len(items))
		for _, item := range items {
			ref, err := decodeRef(item, reg)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
		return refs, nil
	case schema.TypeInteger, schema.TypeSequenceIdentifier:
		var n json.Number
		if err := unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n.Int64()
	case schema.TypeDecimal:
		var n json.Number
		if err := unmarshal(raw, &n); err != nil {
			return nil, err
		}
		return n.Float64()
	case schema.TypeBoolean:
		var b bool
		err := unmarshal(raw, &b)
		return b, err
	case schema.TypeInstant:
		var s string
		if err := unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	default:
		var s string
		err := unmarshal(raw, &s)
		return s, err
	}
}

func unmarshal(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
