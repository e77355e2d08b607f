package domain

import (
	"fmt"
	"time"
)

// CompressionConfig configures the compression engine attached to one connection
type CompressionConfig struct {
	QuantumBitDepth       int     `yaml:"quantum_bit_depth" json:"quantum_bit_depth"`
	EntanglementLevel     int     `yaml:"entanglement_level" json:"entanglement_level"`
	Complexity            float64 `yaml:"complexity" json:"complexity"`
	InterferenceThreshold float64 `yaml:"interference_threshold" json:"interference_threshold"`
	Adaptive              bool    `yaml:"adaptive" json:"adaptive"`
}

// DefaultCompressionConfig returns the engine defaults
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		QuantumBitDepth:       8,
		EntanglementLevel:     3,
		Complexity:            0.5,
		InterferenceThreshold: 0.1,
		Adaptive:              true,
	}
}

// Validate checks value ranges
func (c CompressionConfig) Validate() error {
	if c.QuantumBitDepth < 1 || c.QuantumBitDepth > 32 {
		return fmt.Errorf("quantum_bit_depth must be in [1, 32], got %d", c.QuantumBitDepth)
	}
	if c.EntanglementLevel < 0 || c.EntanglementLevel > 10 {
		return fmt.Errorf("entanglement_level must be in [0, 10], got %d", c.EntanglementLevel)
	}
	if c.Complexity < 0 || c.Complexity > 1 {
		return fmt.Errorf("complexity must be in [0, 1], got %v", c.Complexity)
	}
	if c.InterferenceThreshold < 0 || c.InterferenceThreshold > 1 {
		return fmt.Errorf("interference_threshold must be in [0, 1], got %v", c.InterferenceThreshold)
	}
	return nil
}

// StreamConfig carries per-stream overrides for AddLocalStream
type StreamConfig struct {
	CompressionLevel int   `json:"compression_level"`
	BitDepth         int   `json:"bit_depth,omitempty"` // 0 keeps the connection's bit depth
	Adaptive         *bool `json:"adaptive,omitempty"`  // nil keeps the connection's flag
}

// DefaultStreamConfig returns a mid-level stream config without overrides
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{CompressionLevel: 5}
}

// Validate checks value ranges
func (c StreamConfig) Validate() error {
	if c.CompressionLevel < 1 || c.CompressionLevel > 10 {
		return fmt.Errorf("compression_level must be in [1, 10], got %d", c.CompressionLevel)
	}
	if c.BitDepth < 0 || c.BitDepth > 32 {
		return fmt.Errorf("bit_depth must be in [0, 32], got %d", c.BitDepth)
	}
	return nil
}

// CompressionMetadata annotates a stream. Informational only.
type CompressionMetadata struct {
	Level                 int       `json:"level"`
	BitDepth              int       `json:"bit_depth"`
	EntanglementLevel     int       `json:"entanglement_level"`
	Complexity            float64   `json:"complexity"`
	InterferenceThreshold float64   `json:"interference_threshold"`
	Adaptive              bool      `json:"adaptive"`
	AppliedAt             time.Time `json:"applied_at"`
}
