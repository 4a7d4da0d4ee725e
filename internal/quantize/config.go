package quantize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk quantization configuration (quant.yaml): rewrite
// mode, element types, and the calibration table.
type Config struct {
	Mode       string `yaml:"mode"`
	PerChannel bool   `yaml:"per_channel"`

	Ops []string `yaml:"ops"`

	ActivationType string `yaml:"activation_type"`
	WeightType     string `yaml:"weight_type"`

	Params []TensorParams `yaml:"params"`
}

// TensorParams is one calibration entry.
type TensorParams struct {
	Tensor    string  `yaml:"tensor"`
	Scale     float32 `yaml:"scale"`
	ZeroPoint int32   `yaml:"zero_point"`
}

// LoadConfig reads and validates a quantization config file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("quantize: parse %s: %w", path, err)
	}
	if _, err := cfg.mode(); err != nil {
		return Config{}, err
	}
	if _, err := parseQuantType(cfg.ActivationType, QUInt8); err != nil {
		return Config{}, err
	}
	if _, err := parseQuantType(cfg.WeightType, QInt8); err != nil {
		return Config{}, err
	}
	for _, p := range cfg.Params {
		if p.Tensor == "" {
			return Config{}, fmt.Errorf("quantize: %s: calibration entry without tensor name", path)
		}
		if p.Scale <= 0 {
			return Config{}, fmt.Errorf("quantize: %s: tensor %q: scale must be positive", path, p.Tensor)
		}
	}
	return cfg, nil
}

func (c Config) mode() (Mode, error) {
	switch Mode(c.Mode) {
	case "", ModeQLinear:
		return ModeQLinear, nil
	case ModeConvInteger:
		return ModeConvInteger, nil
	case ModeQDQ:
		return ModeQDQ, nil
	default:
		return "", fmt.Errorf("quantize: unknown mode %q (expected convinteger, qlinear, or qdq)", c.Mode)
	}
}

func parseQuantType(s string, def QuantType) (QuantType, error) {
	switch s {
	case "":
		return def, nil
	case "int8":
		return QInt8, nil
	case "uint8":
		return QUInt8, nil
	default:
		return 0, fmt.Errorf("quantize: unknown quant type %q (expected int8 or uint8)", s)
	}
}

// Options converts the config into pass options.
func (c Config) Options() Options {
	mode, _ := c.mode()
	at, _ := parseQuantType(c.ActivationType, QUInt8)
	wt, _ := parseQuantType(c.WeightType, QInt8)
	params := make(map[string]Params, len(c.Params))
	for _, p := range c.Params {
		params[p.Tensor] = Params{Scale: p.Scale, ZeroPoint: p.ZeroPoint}
	}
	return Options{
		Mode:           mode,
		PerChannel:     c.PerChannel,
		Ops:            c.Ops,
		ActivationType: at,
		WeightType:     wt,
		Params:         params,
	}
}
