package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
	"github.com/LeonardoBeccarini/village_water/internal/services/allocation"
)

// readRequestFile decodes a JSON or YAML (by extension) optimize request.
// Unknown keys are rejected in both formats.
func readRequestFile(path string) (*entities.OptimizeRequest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		var req entities.OptimizeRequest
		if err := dec.Decode(&req); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return &req, nil
	default:
		req, err := allocation.DecodeRequest(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return req, nil
	}
}
