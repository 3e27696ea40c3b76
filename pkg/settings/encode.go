package settings

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported encodings for Encode
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// JSON returns the indented JSON encoding used for settings files
func (s *Settings) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	return data, nil
}

// Encode writes the record to w in the given format
func (s *Settings) Encode(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		data, err := s.JSON()
		if err != nil {
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write settings: %w", err)
		}
		return nil
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode settings as yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported settings format: %s", format)
	}
}
