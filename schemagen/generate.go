// Package schemagen generates JSON schemas for configuration structs, for
// presenting the CLI's config surface to users and tooling.
package schemagen

import (
	"reflect"
	"strconv"

	"github.com/invopop/jsonschema"
)

func GenerateSchema(title string, configObject interface{}) *jsonschema.Schema {
	// By default, the library generates schemas with a top-level $ref that
	// references a definition. That breaks tooling that tries to generate
	// forms from the schemas, so references are disabled altogether.
	var reflector = jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	var schema = reflector.ReflectFromType(reflect.TypeOf(configObject))
	schema.AdditionalProperties = nil // Unset means additional properties are permitted on the root object
	schema.Definitions = nil          // Since no references are used, these definitions are just noise
	schema.Title = title
	walkSchema(
		schema,
		fixSchemaFlagBools(schema, "secret", "advanced", "multiline"),
		fixSchemaOrderingStrings,
	)

	return schema
}

// walkSchema invokes visit on every property of the root schema, and then
// traverses each of these sub-schemas recursively. The visit function should
// modify the provided schema in-place to accomplish the desired
// transformation.
func walkSchema(root *jsonschema.Schema, visits ...func(t *jsonschema.Schema)) {
	if root.Properties != nil {
		for pair := root.Properties.Oldest(); pair != nil; pair = pair.Next() {
			for _, visit := range visits {
				visit(pair.Value)
			}

			walkSchema(pair.Value, visits...)
		}
	}
}

// fixSchemaFlagBools converts struct tag annotations like `secret=true` from
// the strings they parse as into proper booleans.
func fixSchemaFlagBools(t *jsonschema.Schema, flagKeys ...string) func(t *jsonschema.Schema) {
	return func(t *jsonschema.Schema) {
		for key, val := range t.Extras {
			for _, flag := range flagKeys {
				if key != flag {
					continue
				} else if val == "true" {
					t.Extras[key] = true
				} else if val == "false" {
					t.Extras[key] = false
				}
			}
		}
	}
}

// fixSchemaOrderingStrings converts `order=N` annotations from strings into
// integers.
func fixSchemaOrderingStrings(t *jsonschema.Schema) {
	for key, val := range t.Extras {
		if key == "order" {
			if str, ok := val.(string); ok {
				if converted, err := strconv.Atoi(str); err == nil {
					t.Extras[key] = converted
				}
			}
		}
	}
}
