// pipeline.go implements the provisioner and the long-lived pipeline handle.
// The handle serves one in-flight generation at a time through a single-slot
// lease, in the same way the context pool hands out model contexts.

package sdruntime

import (
	"context"
	"fmt"
	"sync"

	"sdforge/logging"

	"go.uber.org/zap"
)

// Pipeline is a fully provisioned, device-bound model ready for generation.
// It is exclusively owned by whoever provisioned it and must be closed.
type Pipeline struct {
	model     Model
	backend   string
	config    PipelineConfig
	watermark WatermarkPolicy
	safety    SafetyPolicy

	// slot holds one token while the pipeline is idle
	slot chan struct{}

	mu     sync.Mutex
	closed bool
}

type provisionOptions struct {
	logger    *logging.Logger
	watermark WatermarkPolicy
	safety    SafetyPolicy
}

// ProvisionOption customizes Provision.
type ProvisionOption func(*provisionOptions)

// WithProvisionLogger sets the logger used during provisioning.
func WithProvisionLogger(logger *logging.Logger) ProvisionOption {
	return func(o *provisionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithWatermarkPolicy replaces the policy selected from DisableWatermark.
func WithWatermarkPolicy(p WatermarkPolicy) ProvisionOption {
	return func(o *provisionOptions) { o.watermark = p }
}

// WithSafetyPolicy replaces the policy selected from DisableSafetyFilter.
func WithSafetyPolicy(p SafetyPolicy) ProvisionOption {
	return func(o *provisionOptions) { o.safety = p }
}

// Provision builds a pipeline from cfg using backend.
//
// Steps run in a fixed order: load the base model, substitute the encoder
// override, merge adapters in list order, install policies, bind the device.
// The encoder must be replaced before adapters because some pipelines capture
// encoder state while merging.
//
// Error cases:
//   - ErrModelLoad: base model or encoder override could not be loaded
//   - ErrAdapterLoad: an adapter could not be resolved or its weight is outside [0,1]
//   - ErrDevice: the device is unavailable
func Provision(ctx context.Context, backend Backend, cfg PipelineConfig, opts ...ProvisionOption) (*Pipeline, error) {
	o := provisionOptions{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With(zap.String("backend", backend.Name()), zap.String("model", cfg.ModelID))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	model, err := backend.LoadModel(ctx, cfg.ModelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, cfg.ModelID, err)
	}
	log.Debug("base model loaded")

	// From here on the model owns device memory and must be freed on failure.
	fail := func(err error) (*Pipeline, error) {
		if closeErr := model.Close(); closeErr != nil {
			log.Warn("failed to release model after provisioning error", zap.Error(closeErr))
		}
		return nil, err
	}

	if cfg.EncoderOverride != "" {
		if err := model.OverrideEncoder(ctx, cfg.EncoderOverride); err != nil {
			return fail(fmt.Errorf("%w: encoder %s: %v", ErrModelLoad, cfg.EncoderOverride, err))
		}
		log.Debug("encoder override applied", zap.String("encoder", cfg.EncoderOverride))
	}

	for _, adapter := range cfg.Adapters {
		if err := model.ApplyAdapter(ctx, adapter); err != nil {
			return fail(fmt.Errorf("%w: %s: %v", ErrAdapterLoad, adapter.ID, err))
		}
		log.Debug("adapter merged", zap.String("adapter", adapter.ID), zap.Float64("weight", adapter.Weight))
	}

	watermark, safety := policiesFor(cfg, model)
	if o.watermark != nil {
		watermark = o.watermark
	}
	if o.safety != nil {
		safety = o.safety
	}

	if err := model.BindDevice(ctx, cfg.Device); err != nil {
		return fail(fmt.Errorf("%w: %s: %v", ErrDevice, cfg.Device, err))
	}

	p := &Pipeline{
		model:     model,
		backend:   backend.Name(),
		config:    cfg,
		watermark: watermark,
		safety:    safety,
		slot:      make(chan struct{}, 1),
	}
	p.slot <- struct{}{}

	log.Info("pipeline ready",
		zap.String("device", cfg.Device.String()),
		zap.Int("adapters", len(cfg.Adapters)),
		zap.String("watermark", watermark.Name()),
		zap.String("safety", safety.Name()),
	)
	return p, nil
}

// acquire takes the pipeline's single generation slot.
// It returns ErrPipelineClosed if the pipeline is closed and ErrPipelineBusy
// if ctx ends while another generation holds the slot.
func (p *Pipeline) acquire(ctx context.Context) error {
	if p.IsClosed() {
		return ErrPipelineClosed
	}

	select {
	case _, ok := <-p.slot:
		if !ok {
			return ErrPipelineClosed
		}
		if p.IsClosed() {
			return ErrPipelineClosed
		}
		return nil
	case <-ctx.Done():
		return ErrPipelineBusy
	}
}

// release returns the slot. After Close it is a no-op.
func (p *Pipeline) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.slot <- struct{}{}:
	default:
	}
}

// Close frees the model's device memory. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.slot)
	return p.model.Close()
}

// IsClosed returns whether Close has been called.
func (p *Pipeline) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Config returns the configuration the pipeline was provisioned with.
func (p *Pipeline) Config() PipelineConfig {
	return p.config
}

// Backend returns the name of the backend that loaded the model.
func (p *Pipeline) Backend() string {
	return p.backend
}

// Device returns the device the pipeline is bound to.
func (p *Pipeline) Device() Device {
	return p.config.Device
}

// WatermarkPolicy returns the installed watermark policy.
func (p *Pipeline) WatermarkPolicy() WatermarkPolicy {
	return p.watermark
}

// SafetyPolicy returns the installed safety policy.
func (p *Pipeline) SafetyPolicy() SafetyPolicy {
	return p.safety
}
