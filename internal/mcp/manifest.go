// ABOUTME: Loads the tool-server manifest, an mcpServers map in JSON with comments
// ABOUTME: Each entry becomes a stdio client (command) or a streamable HTTP client (url)

package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/tidwall/jsonc"
)

// Manifest is the on-disk tool-server file:
//
//	{
//	  // web search
//	  "mcpServers": {
//	    "brave": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-brave-search"]},
//	    "java-service": {"url": "http://10.0.0.5:8080", "path": "/mcp/message"}
//	  }
//	}
type Manifest struct {
	Servers map[string]ServerSpec `json:"mcpServers"`
}

// ServerSpec describes one tool server. Exactly one of Command or URL is set.
type ServerSpec struct {
	Name string `json:"-"`

	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`

	URL        string            `json:"url,omitempty"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Initialize bool              `json:"initialize,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) ([]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tool manifest: %w", err)
	}
	specs, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing tool manifest %s: %w", path, err)
	}
	return specs, nil
}

// ParseManifest decodes manifest bytes, dropping disabled entries. Specs are
// returned sorted by name.
func ParseManifest(data []byte) ([]ServerSpec, error) {
	var m Manifest
	if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(m.Servers))
	for name := range m.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]ServerSpec, 0, len(names))
	for _, name := range names {
		s := m.Servers[name]
		s.Name = name
		if s.Disabled {
			continue
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// Validate checks that the spec names exactly one transport.
func (s ServerSpec) Validate() error {
	switch {
	case s.Command == "" && s.URL == "":
		return &ConfigError{Client: s.Name, Reason: "one of command or url is required"}
	case s.Command != "" && s.URL != "":
		return &ConfigError{Client: s.Name, Reason: "command and url are mutually exclusive"}
	}
	return nil
}

// NewClient builds the client described by s. The client is not connected.
func (s ServerSpec) NewClient(timeout time.Duration, logger *slog.Logger) (Client, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Command != "" {
		return NewStdioClient(StdioConfig{
			Name:        s.Name,
			Command:     s.Command,
			Args:        s.Args,
			Env:         s.Env,
			Dir:         s.Dir,
			CallTimeout: timeout,
		}, logger)
	}
	return NewHTTPClient(HTTPConfig{
		Name:       s.Name,
		BaseURL:    s.URL,
		Path:       s.Path,
		Headers:    s.Headers,
		Timeout:    timeout,
		Initialize: s.Initialize,
	}, logger)
}
