// Package config loads agent descriptors from declarative YAML files.
// Unrecognized options are rejected rather than ignored so a typo in a
// descriptor fails loudly at load time.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Providers accepted in a descriptor.
var supportedProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// nameRe constrains agent names to filesystem-safe identifiers; the name
// is embedded in socket and log-file paths.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Descriptor is the immutable identity and configuration of one agent.
type Descriptor struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Role     string `yaml:"role"`

	// Tools are optional external tool endpoints.
	Tools []ToolEndpoint `yaml:"tools,omitempty"`

	// PeerTools lets peer-originated turns use the tool set too. Off by
	// default; two mutually connected agents would otherwise be able to
	// call each other without bound.
	PeerTools bool `yaml:"peer_tools,omitempty"`
}

// ToolEndpoint declares an external tool reachable over the peer
// transport.
type ToolEndpoint struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Endpoint    string `yaml:"endpoint"`
}

// File is the top-level shape of a descriptor file.
type File struct {
	Agents []Descriptor `yaml:"agents"`
}

// Load reads and validates a descriptor file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &file, nil
}

// Validate checks every descriptor and cross-descriptor uniqueness.
func (f *File) Validate() error {
	if len(f.Agents) == 0 {
		return fmt.Errorf("no agents defined")
	}

	names := make(map[string]bool, len(f.Agents))
	ports := make(map[int]string, len(f.Agents))
	for i := range f.Agents {
		d := &f.Agents[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate agent name %q", d.Name)
		}
		names[d.Name] = true
		if owner, taken := ports[d.Port]; taken {
			return fmt.Errorf("agents %q and %q share port %d", owner, d.Name, d.Port)
		}
		ports[d.Port] = d.Name
	}
	return nil
}

// Validate checks a single descriptor.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if !nameRe.MatchString(d.Name) {
		return fmt.Errorf("agent name %q is not filesystem-safe", d.Name)
	}
	if d.Port < 1024 || d.Port > 65535 {
		return fmt.Errorf("agent %q: port must be between 1024 and 65535, got %d", d.Name, d.Port)
	}
	if !supportedProviders[d.Provider] {
		return fmt.Errorf("agent %q: unsupported provider %q", d.Name, d.Provider)
	}
	if d.Model == "" {
		return fmt.Errorf("agent %q: model is required", d.Name)
	}
	if d.Role == "" {
		return fmt.Errorf("agent %q: role is required", d.Name)
	}
	for _, tool := range d.Tools {
		if tool.Name == "" || tool.Endpoint == "" {
			return fmt.Errorf("agent %q: tool entries need name and endpoint", d.Name)
		}
	}
	return nil
}

// Marshal renders a descriptor as YAML for handing to the spawned agent
// process.
func (d *Descriptor) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// UnmarshalDescriptor parses a descriptor serialized with Marshal.
func UnmarshalDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
