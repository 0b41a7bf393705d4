package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema describing Config, generated by reflecting
// over its mapstructure/yaml-tagged fields. Operators use this to validate
// a config file before handing it to a running process, and editors use it
// for inline completion.
func Schema() (*jsonschema.Schema, error) {
	r := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	s := r.Reflect(&Config{})
	s.Version = "https://json-schema.org/draft/2020-12/schema"
	s.Title = "transferd Configuration"
	s.Description = "Configuration schema for the transferd TFTP/SFTP server"
	return s, nil
}

// SchemaJSON renders Schema as indented JSON text.
func SchemaJSON() ([]byte, error) {
	s, err := Schema()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(s, "", "  ")
}
