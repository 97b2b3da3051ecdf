package policy

import "fmt"

// Quotas bound request size before anything is parsed deeply or spawned.
type Quotas struct {
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
	MaxArgs         int   `yaml:"max_args"`
	MaxOutputs      int   `yaml:"max_outputs"`
	MaxInputs       int   `yaml:"max_inputs"`
}

// DefaultQuotas mirrors the engine's historical ceilings.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxRequestBytes: 100 << 20,
		MaxArgs:         10000,
		MaxOutputs:      10000,
		MaxInputs:       10000,
	}
}

// Check rejects oversized requests with ErrQuotaExceeded.
func (q Quotas) Check(payloadBytes int64, args, outputs, inputs int) error {
	if q.MaxRequestBytes > 0 && payloadBytes > q.MaxRequestBytes {
		return fmt.Errorf("%w: request is %d bytes, limit %d", ErrQuotaExceeded, payloadBytes, q.MaxRequestBytes)
	}
	if q.MaxArgs > 0 && args > q.MaxArgs {
		return fmt.Errorf("%w: %d args, limit %d", ErrQuotaExceeded, args, q.MaxArgs)
	}
	if q.MaxOutputs > 0 && outputs > q.MaxOutputs {
		return fmt.Errorf("%w: %d declared outputs, limit %d", ErrQuotaExceeded, outputs, q.MaxOutputs)
	}
	if q.MaxInputs > 0 && inputs > q.MaxInputs {
		return fmt.Errorf("%w: %d declared inputs, limit %d", ErrQuotaExceeded, inputs, q.MaxInputs)
	}
	return nil
}
