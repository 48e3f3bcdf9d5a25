package httpapi

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

var errInvalidJSON = errors.New("invalid json body")

// bodySchemas holds one compiled schema per request body kind.
type bodySchemas map[string]*jsonschema.Schema

func compileBodySchemas() (bodySchemas, error) {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		data, err := schemaFiles.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}
	out := bodySchemas{}
	for _, name := range names {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		out[name[:len(name)-len(path.Ext(name))]] = schema
	}
	return out, nil
}

func mustCompileBodySchemas() bodySchemas {
	schemas, err := compileBodySchemas()
	if err != nil {
		panic(err)
	}
	return schemas
}

// validate checks body against the named schema. An empty body counts as
// an empty object.
func (b bodySchemas) validate(name string, body []byte) error {
	schema, ok := b[name]
	if !ok {
		return fmt.Errorf("no schema named %s", name)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errInvalidJSON
	}
	return schema.Validate(inst)
}
