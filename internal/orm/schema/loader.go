package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// registryDoc is the YAML form of a registry file:
//
//	entities:
//	  item:
//	    database: main
//	    attributes:
//	      id:      {type: identifier-sequence, identity: true}
//	      account: {type: reference, target: account}
type registryDoc struct {
	Entities map[string]entityDoc `yaml:"entities"`
}

type entityDoc struct {
	Table      string                  `yaml:"table"`
	Database   string                  `yaml:"database"`
	Attributes map[string]attributeDoc `yaml:"attributes"`
}

type attributeDoc struct {
	Type         string   `yaml:"type"`
	Cardinality  string   `yaml:"cardinality"`
	Identity     bool     `yaml:"identity"`
	Target       string   `yaml:"target"`
	FKOwnerOf    string   `yaml:"fk-owner-of"`
	DeleteOrphan bool     `yaml:"delete-orphan"`
	OrderBy      string   `yaml:"order-by"`
	Table        string   `yaml:"table"`
	Column       string   `yaml:"column-name"`
	MaxLength    int      `yaml:"max-length"`
	Values       []string `yaml:"values"`
	Sequence     string   `yaml:"sequence"`
	Converter    string   `yaml:"converter"`
}

// LoadFile reads a registry from a YAML file
func LoadFile(path string, converters map[string]Converter) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}
	return Load(bytes.NewReader(data), converters)
}

// Load decodes a registry from YAML. Unknown options are rejected.
func Load(r io.Reader, converters map[string]Converter) (*Registry, error) {
	var doc registryDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}

	b := NewBuilder()
	for name, c := range converters {
		b.Converter(name, c)
	}

	for _, entityName := range sortedKeys(doc.Entities) {
		e := doc.Entities[entityName]
		b.Entity(EntitySpec{Name: entityName, Table: e.Table, Database: e.Database})

		for _, attrName := range sortedKeys(e.Attributes) {
			a := e.Attributes[attrName]
			key := JoinKey(entityName, attrName)

			t, err := ParseValueType(a.Type)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			card, err := ParseCardinality(a.Cardinality)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			b.Attribute(AttributeSpec{
				Key:           key,
				Type:          t,
				Cardinality:   card,
				Identity:      a.Identity,
				Target:        a.Target,
				FKOwnerOf:     a.FKOwnerOf,
				DeleteOrphan:  a.DeleteOrphan,
				OrderBy:       a.OrderBy,
				Table:         a.Table,
				Column:        a.Column,
				MaxLength:     a.MaxLength,
				Values:        a.Values,
				Sequence:      a.Sequence,
				ConverterName: a.Converter,
			})
		}
	}

	return b.Build()
}
