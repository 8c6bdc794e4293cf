package topology

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the document encoding of a desired topology.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor infers a format from a file name or content type; JSON is the default.
func FormatFor(hint string) Format {
	hint = strings.ToLower(strings.TrimSpace(hint))
	switch {
	case strings.Contains(hint, "yaml"), strings.Contains(hint, "yml"):
		return FormatYAML
	case filepath.Ext(hint) == ".yaml", filepath.Ext(hint) == ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// DecodeDesired decodes and validates one desired topology document.
func DecodeDesired(data []byte, format Format) (*DesiredTopology, error) {
	var out DesiredTopology
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTopology, err)
		}
	}
	if out.Services == nil {
		out.Services = map[string]ServiceSpec{}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// DecodeObserved decodes a status document in the target's JSON status shape.
func DecodeObserved(data []byte) (*ObservedTopology, error) {
	var out ObservedTopology
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("topology: decode observed status: %w", err)
	}
	if out.Services == nil {
		out.Services = map[string]ObservedService{}
	}
	return &out, nil
}
