package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

type StderrMode string

const (
	StderrPipe    StderrMode = "pipe"
	StderrInherit StderrMode = "inherit"
	StderrIgnore  StderrMode = "ignore"
)

const TransportStdio = "stdio"

// ServerConfiguration describes how to spawn one MCP server. Clients copy it on construction.
type ServerConfiguration struct {
	Type            string            `json:"type" yaml:"type"`
	Command         string            `json:"command" yaml:"command"`
	Args            []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd             string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Stderr          StderrMode        `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	ProtocolVersion string            `json:"protocolVersion" yaml:"protocolVersion"`
	JSONRPC         string            `json:"jsonrpc" yaml:"jsonrpc"`
	Version         string            `json:"version,omitempty" yaml:"version,omitempty"`
}

// ParseServerConfiguration decodes raw strictly (unknown keys are rejected), applies
// defaults and validates the result.
func ParseServerConfiguration(raw []byte) (ServerConfiguration, error) {
	var cfg ServerConfiguration
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return ServerConfiguration{}, fmt.Errorf("invalid server configuration: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return ServerConfiguration{}, err
	}
	return cfg, nil
}

// ServerConfigurationFromValue parses an already decoded JSON value (params._meta.server).
func ServerConfigurationFromValue(v any) (ServerConfiguration, error) {
	if _, ok := v.(map[string]any); !ok {
		return ServerConfiguration{}, errors.New("server configuration must be an object")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ServerConfiguration{}, fmt.Errorf("invalid server configuration: %w", err)
	}
	return ParseServerConfiguration(raw)
}

func (c *ServerConfiguration) ApplyDefaults() {
	if c.Type == "" {
		c.Type = TransportStdio
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = LatestProtocolVersion
	}
	if c.JSONRPC == "" {
		c.JSONRPC = JSONRPCVersion
	}
	if c.Stderr == "" {
		c.Stderr = StderrPipe
	}
}

func (c ServerConfiguration) Validate() error {
	if c.Type != TransportStdio {
		return fmt.Errorf("type: unsupported transport %q, only %q is available", c.Type, TransportStdio)
	}
	if c.Command == "" {
		return errors.New("command: required")
	}
	if c.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("jsonrpc: must be %q", JSONRPCVersion)
	}
	switch c.Stderr {
	case StderrPipe, StderrInherit, StderrIgnore:
	default:
		return fmt.Errorf("stderr: unknown mode %q", c.Stderr)
	}
	return nil
}

// Clone returns a deep copy.
func (c ServerConfiguration) Clone() ServerConfiguration {
	out := c
	out.Args = slices.Clone(c.Args)
	out.Env = maps.Clone(c.Env)
	return out
}

// Map renders the configuration as the generic object attached to response metadata.
func (c ServerConfiguration) Map() map[string]any {
	out := map[string]any{
		"type":            c.Type,
		"command":         c.Command,
		"protocolVersion": c.ProtocolVersion,
		"jsonrpc":         c.JSONRPC,
		"stderr":          string(c.Stderr),
	}
	if len(c.Args) > 0 {
		out["args"] = slices.Clone(c.Args)
	}
	if c.Cwd != "" {
		out["cwd"] = c.Cwd
	}
	if len(c.Env) > 0 {
		out["env"] = maps.Clone(c.Env)
	}
	if c.Version != "" {
		out["version"] = c.Version
	}
	return out
}
