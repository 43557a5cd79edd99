package tools

import (
	"encoding/json"

	"github.com/samber/lo"
)

type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeInteger PropertyType = "integer"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
	TypeArray   PropertyType = "array"
	TypeObject  PropertyType = "object"
)

// Property describes one argument field. Nested objects and array items
// use the same shape.
type Property struct {
	Name        string
	Type        PropertyType
	Description string
	Required    bool
	Enum        []string
	Default     any
	MinItems    int
	Items       *Property
	Properties  []Property
}

// Schema is the input contract of one tool.
type Schema struct {
	Properties []Property
}

// Descriptor is the declarative contract for one callable tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

func (s Schema) property(name string) (Property, bool) {
	return lo.Find(s.Properties, func(p Property) bool { return p.Name == name })
}

func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(objectSchema(s.Properties))
}

func objectSchema(props []Property) map[string]any {
	properties := make(map[string]any, len(props))
	for _, p := range props {
		properties[p.Name] = p.jsonSchema()
	}

	out := map[string]any{
		"type":       TypeObject,
		"properties": properties,
	}

	required := lo.FilterMap(props, func(p Property, _ int) (string, bool) {
		return p.Name, p.Required
	})
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func (p Property) jsonSchema() map[string]any {
	var out map[string]any
	if p.Type == TypeObject {
		out = objectSchema(p.Properties)
	} else {
		out = map[string]any{"type": p.Type}
	}

	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Default != nil {
		out["default"] = p.Default
	}
	if p.Items != nil {
		out["items"] = p.Items.jsonSchema()
	}
	if p.MinItems > 0 {
		out["minItems"] = p.MinItems
	}
	return out
}

// Small constructors to keep the registries readable.

func stringProp(name, description string) Property {
	return Property{Name: name, Type: TypeString, Description: description}
}

func integerProp(name, description string) Property {
	return Property{Name: name, Type: TypeInteger, Description: description}
}

func boolProp(name, description string, def bool) Property {
	return Property{Name: name, Type: TypeBoolean, Description: description, Default: def}
}

func enumProp(name, description string, def string, values ...string) Property {
	p := Property{Name: name, Type: TypeString, Description: description, Enum: values}
	if def != "" {
		p.Default = def
	}
	return p
}

func required(p Property) Property {
	p.Required = true
	return p
}

func numberProp(name, description string) Property {
	return Property{Name: name, Type: TypeNumber, Description: description}
}

func arrayProp(name, description string, items Property) Property {
	return Property{Name: name, Type: TypeArray, Description: description, Items: &items}
}

func objectProp(name, description string, properties ...Property) Property {
	return Property{Name: name, Type: TypeObject, Description: description, Properties: properties}
}
