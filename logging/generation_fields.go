package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationMetrics summarizes one generation request for structured logs.
type GenerationMetrics struct {
	Backend   string
	ModelID   string
	Width     int
	Height    int
	Steps     int
	Requested int
	Saved     int
	Seed      int64 // -1 when unseeded
	Duration  time.Duration
}

// ImagesPerMinute is the throughput of the request.
func (m GenerationMetrics) ImagesPerMinute() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return float64(m.Requested) / m.Duration.Minutes()
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (m GenerationMetrics) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("backend", m.Backend)
	enc.AddString("model", m.ModelID)
	enc.AddInt("width", m.Width)
	enc.AddInt("height", m.Height)
	enc.AddInt("steps", m.Steps)
	enc.AddInt("requested", m.Requested)
	enc.AddInt("saved", m.Saved)
	enc.AddInt64("seed", m.Seed)
	enc.AddInt64("duration_ms", m.Duration.Milliseconds())
	enc.AddFloat64("images_per_minute", m.ImagesPerMinute())
	return nil
}

// GenerationFields wraps metrics as a single nested field.
//
// Example:
//
//	logger.Info("generation complete", logging.GenerationFields(metrics))
func GenerationFields(m GenerationMetrics) zap.Field {
	return zap.Object("generation", m)
}

// TimingFields returns start, end and duration fields for a span.
func TimingFields(start, end time.Time) []zap.Field {
	return []zap.Field{
		zap.Time("start_time", start),
		zap.Time("end_time", end),
		zap.Duration("duration", end.Sub(start)),
	}
}
