// Package model holds the GPT-2 family reference implementation: checkpoint
// loading, a direct float32 forward pass with attention cache, and an
// exporter that lowers the same computation to a KGF graph.
package model

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Config mirrors the fields of a Hugging Face GPT-2 config.json that the
// forward pass needs.
type Config struct {
	NLayer     int     `json:"n_layer"`
	NHead      int     `json:"n_head"`
	NEmbd      int     `json:"n_embd"`
	VocabSize  int     `json:"vocab_size"`
	NPositions int     `json:"n_positions"`
	EOSTokenID int64   `json:"eos_token_id"`
	LayerNormE float64 `json:"layer_norm_epsilon"`
}

// LoadConfig reads and validates a config.json.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("model: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("model: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the dimensional invariants.
func (c Config) Validate() error {
	switch {
	case c.NLayer <= 0:
		return fmt.Errorf("n_layer must be positive, got %d", c.NLayer)
	case c.NHead <= 0:
		return fmt.Errorf("n_head must be positive, got %d", c.NHead)
	case c.NEmbd <= 0 || c.NEmbd%c.NHead != 0:
		return fmt.Errorf("n_embd %d must be a positive multiple of n_head %d", c.NEmbd, c.NHead)
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.NPositions <= 0:
		return fmt.Errorf("n_positions must be positive, got %d", c.NPositions)
	}
	return nil
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int { return c.NEmbd / c.NHead }

// Epsilon returns the layer norm epsilon, defaulting to 1e-5.
func (c Config) Epsilon() float32 {
	if c.LayerNormE > 0 {
		return float32(c.LayerNormE)
	}
	return 1e-5
}
