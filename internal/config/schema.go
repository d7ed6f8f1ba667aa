package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var schemaCache = sync.OnceValues(func() ([]byte, error) {
	reflector := &jsonschema.Reflector{FieldNameTag: "yaml"}
	return json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
})

// JSONSchema renders the schema for the config file, derived from the yaml
// tags on Config.
func JSONSchema() ([]byte, error) {
	return schemaCache()
}
