// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package automation

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/m4bot/m4bot-server/models"
)

// DocumentVersion is written into every export
const DocumentVersion = 1

// Document is the shareable YAML form of a channel's automations
type Document struct {
	Version     int                 `yaml:"version"`
	Automations []models.Automation `yaml:"automations"`
}

// Export encodes automations without their IDs, owners or counters
func Export(automations []models.Automation) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Document{Version: DocumentVersion, Automations: automations}); err != nil {
		return nil, fmt.Errorf("failed to encode automations: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode automations: %w", err)
	}
	return buf.Bytes(), nil
}

// Import decodes and validates a YAML document. Unknown keys are rejected
// so typos do not silently drop conditions.
func Import(data []byte) ([]models.Automation, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if doc.Version != DocumentVersion {
		return nil, invalid("unsupported document version %d", doc.Version)
	}
	if len(doc.Automations) == 0 {
		return nil, invalid("document has no automations")
	}

	for i, a := range doc.Automations {
		if err := Validate(a); err != nil {
			return nil, fmt.Errorf("automation %d (%s): %w", i+1, a.Name, err)
		}
	}
	return doc.Automations, nil
}
