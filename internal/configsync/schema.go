package configsync

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

const (
	schemaFile = "schema/node-device-configuration.schema.json"
	schemaURL  = "https://riot2.local/schema/node-device-configuration.json"
)

//go:embed schema/*.json
var schemaFS embed.FS

// compiledSchema compiles the embedded schema on first use.
var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(schemaFile)
	if err != nil {
		return nil, fmt.Errorf("reading schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	return c.Compile(schemaURL)
})

// ParseDeviceConfiguration validates a pushed payload against the
// NodeDeviceConfiguration schema and decodes it.
//
// Returns:
//   - *device.NodeDeviceConfiguration: Decoded configuration
//   - error: ErrMalformedConfiguration or ErrInvalidConfiguration, wrapped
//     with the decoder or validator detail
func ParseDeviceConfiguration(data []byte) (*device.NodeDeviceConfiguration, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfiguration, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	var cfg device.NodeDeviceConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfiguration, err)
	}
	return &cfg, nil
}
