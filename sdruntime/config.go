package sdruntime

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device is the compute target a pipeline is bound to.
type Device int

const (
	// DeviceAccelerator is a GPU (CUDA, Metal, ROCm).
	DeviceAccelerator Device = iota
	// DeviceHost is the CPU.
	DeviceHost
)

func (d Device) String() string {
	switch d {
	case DeviceAccelerator:
		return "accelerator"
	case DeviceHost:
		return "host"
	default:
		return "unknown"
	}
}

// ParseDevice accepts "accelerator" (or cuda, gpu) and "host" (or cpu).
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accelerator", "cuda", "gpu":
		return DeviceAccelerator, nil
	case "host", "cpu":
		return DeviceHost, nil
	default:
		return DeviceAccelerator, invalidParam("unknown device %q", s)
	}
}

// MarshalYAML writes the device by name.
func (d Device) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML reads a device by name.
func (d *Device) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDevice(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DefaultAdapterWeight is the blend weight used when --loras names an adapter
// without an explicit ":weight" suffix.
const DefaultAdapterWeight = 1.0

// Adapter is a named style overlay merged into the pipeline at Weight.
type Adapter struct {
	ID     string  `yaml:"id"`
	Weight float64 `yaml:"weight"`
}

// UnmarshalYAML reads an adapter entry; a missing weight means DefaultAdapterWeight.
func (a *Adapter) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ID     string   `yaml:"id"`
		Weight *float64 `yaml:"weight"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.ID = raw.ID
	a.Weight = DefaultAdapterWeight
	if raw.Weight != nil {
		a.Weight = *raw.Weight
	}
	return nil
}

func (a Adapter) String() string {
	return fmt.Sprintf("%s:%g", a.ID, a.Weight)
}

// PipelineConfig describes how to provision a pipeline.
type PipelineConfig struct {
	ModelID             string    `yaml:"model"`
	EncoderOverride     string    `yaml:"encoder,omitempty"`
	Adapters            []Adapter `yaml:"adapters,omitempty"`
	Device              Device    `yaml:"device"`
	DisableWatermark    bool      `yaml:"disable_watermark"`
	DisableSafetyFilter bool      `yaml:"disable_safety_filter"`
}

// DefaultModelID is the base model used when no model is configured.
const DefaultModelID = "stabilityai/stable-diffusion-xl-base-1.0"

// DefaultPipelineConfig returns the configuration used in absence of CLI wiring:
// the default model on the accelerator with watermarking and safety gating disabled.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ModelID:             DefaultModelID,
		Device:              DeviceAccelerator,
		DisableWatermark:    true,
		DisableSafetyFilter: true,
	}
}

// Validate checks identifiers and adapter weights.
// Weight violations are adapter failures, not parameter failures.
func (c PipelineConfig) Validate() error {
	if strings.TrimSpace(c.ModelID) == "" {
		return fmt.Errorf("%w: model identifier is empty", ErrModelLoad)
	}
	for i, a := range c.Adapters {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("%w: adapter %d has an empty identifier", ErrAdapterLoad, i)
		}
		if math.IsNaN(a.Weight) || a.Weight < 0 || a.Weight > 1 {
			return fmt.Errorf("%w: %s: blend weight %v outside [0,1]", ErrAdapterLoad, a.ID, a.Weight)
		}
	}
	if c.Device != DeviceAccelerator && c.Device != DeviceHost {
		return fmt.Errorf("%w: unknown device %d", ErrDevice, int(c.Device))
	}
	return nil
}

// ParseAdapters parses a comma-separated adapter list.
// Each entry is "id" or "id:weight"; entries without a weight get DefaultAdapterWeight.
func ParseAdapters(s string) ([]Adapter, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var adapters []Adapter
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		adapter := Adapter{ID: part, Weight: DefaultAdapterWeight}
		if idx := strings.LastIndex(part, ":"); idx > 0 {
			weight, err := strconv.ParseFloat(part[idx+1:], 64)
			if err != nil {
				return nil, invalidParam("adapter %q has a non-numeric weight", part)
			}
			adapter = Adapter{ID: strings.TrimSpace(part[:idx]), Weight: weight}
		}
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

// LoadPipelineConfigFile reads a YAML pipeline preset.
// Fields missing from the file keep the values of DefaultPipelineConfig.
//
// Example preset:
//
//	model: stabilityai/stable-diffusion-xl-base-1.0
//	encoder: madebyollin/sdxl-vae-fp16-fix
//	device: accelerator
//	adapters:
//	  - id: pixel-art-xl
//	    weight: 0.8
func LoadPipelineConfigFile(path string) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse pipeline config %s: %w", path, err)
	}
	return cfg, nil
}
