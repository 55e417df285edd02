package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Datarails/mcp-outlet/message"
)

// catalogFile is the on-disk layout:
//
//	servers:
//	  time:
//	    command: uvx
//	    args: [mcp-server-time]
type catalogFile struct {
	Servers map[string]message.ServerConfiguration `yaml:"servers"`
}

// LoadFile reads a YAML catalog into a new MemoryRegistry.
func LoadFile(path string) (*MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog. Unknown keys are rejected and every entry is validated.
func Parse(data []byte) (*MemoryRegistry, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("registry: parse catalog: %w", err)
	}

	reg := NewMemoryRegistry()
	for name, cfg := range file.Servers {
		if err := reg.Register(context.Background(), name, cfg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
