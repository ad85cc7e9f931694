package kestrel

import (
	"errors"
	"testing"
)

func TestDefaultOptionsValidate(t *testing.T) {
	if err := DefaultOptions().Validate(); err != nil {
		t.Fatalf("DefaultOptions() failed Validate: %v", err)
	}
}

func TestDecodeOptionsOverridesOnTopOfDefaults(t *testing.T) {
	opts, err := DecodeOptions(map[string]interface{}{
		"host": "127.0.0.1",
		"port": 9000,
		"channel": map[string]interface{}{
			"max_resend_attempts": 5,
		},
	})
	if err != nil {
		t.Fatalf("DecodeOptions: %v", err)
	}
	if opts.Host != "127.0.0.1" || opts.Port != 9000 {
		t.Fatalf("decoded Host/Port = %q/%d, want 127.0.0.1/9000", opts.Host, opts.Port)
	}
	if opts.Channel.MaxResendAttempts != 5 {
		t.Fatalf("decoded Channel.MaxResendAttempts = %d, want 5", opts.Channel.MaxResendAttempts)
	}
	// Untouched fields fall through from DefaultOptions.
	if opts.Channel.BackoffFactor != DefaultOptions().Channel.BackoffFactor {
		t.Fatalf("untouched BackoffFactor = %v, want default preserved", opts.Channel.BackoffFactor)
	}
	if opts.BufferPoolSize != DefaultOptions().BufferPoolSize {
		t.Fatalf("untouched BufferPoolSize = %d, want default preserved", opts.BufferPoolSize)
	}
}

func TestDecodeOptionsRejectsInvalidPort(t *testing.T) {
	_, err := DecodeOptions(map[string]interface{}{"port": 70000})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("DecodeOptions with out-of-range port: got %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsOutOfRangePacketLoss(t *testing.T) {
	o := DefaultOptions()
	o.PacketLoss = 1.5
	if err := o.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate with packet_loss=1.5: got %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsInvertedLatencyWindow(t *testing.T) {
	o := DefaultOptions()
	o.MinLatency = 50_000_000
	o.MaxLatency = 10_000_000
	if err := o.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate with min>max latency: got %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsNonPositiveMaxResendAttempts(t *testing.T) {
	o := DefaultOptions()
	o.Channel.MaxResendAttempts = 0
	if err := o.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate with max_resend_attempts=0: got %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsBackoffFactorNotAboveOne(t *testing.T) {
	o := DefaultOptions()
	o.Channel.BackoffFactor = 1
	if err := o.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate with backoff_factor=1: got %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsZeroAckBytes(t *testing.T) {
	o := DefaultOptions()
	o.Channel.AckBytes = 0
	if err := o.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate with ack_bytes=0: got %v, want ErrInvalidConfig", err)
	}
}
