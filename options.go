package kestrel

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kestrelnet/kestrel/pkg/channel"
	"github.com/kestrelnet/kestrel/pkg/conn"
	"github.com/kestrelnet/kestrel/pkg/rtt"
	"github.com/kestrelnet/kestrel/pkg/socket"
)

// ErrInvalidConfig reports a configuration value outside its valid
// range (spec.md §7 configuration errors, surfaced synchronously).
var ErrInvalidConfig = errors.New("kestrel: invalid configuration")

// ChannelOptions configures the default resend behavior installed on
// every reliable and reliable-fragmented channel (spec.md §6).
type ChannelOptions struct {
	MaxResendAttempts int           `mapstructure:"max_resend_attempts"`
	MinResendDelay    time.Duration `mapstructure:"min_resend_delay"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"`
	AckBytes          int           `mapstructure:"ack_bytes"`
	Name              string        `mapstructure:"name"`
}

// Options configures a Node (Client or Server): socket parameters,
// loss/latency simulation, keep-alive timing, and default channel
// behavior (spec.md §6 Configurable options).
type Options struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	PacketLoss        float64       `mapstructure:"packet_loss"`
	MinLatency        time.Duration `mapstructure:"min_latency"`
	MaxLatency        time.Duration `mapstructure:"max_latency"`
	SendBufferSize    int           `mapstructure:"send_buffer_size"`
	ReceiveBufferSize int           `mapstructure:"receive_buffer_size"`

	PeriodDuration  time.Duration `mapstructure:"period_duration"`
	TimeoutDuration time.Duration `mapstructure:"timeout_duration"`
	SmoothingFactor float64       `mapstructure:"smoothing_factor"`
	DeviationFactor float64       `mapstructure:"deviation_factor"`

	// Automatic selects dispatch mode: true invokes application handlers
	// inline on the receive thread, false queues received packets for a
	// user-driven Tick (spec.md §4.8).
	Automatic bool `mapstructure:"automatic"`

	Channel ChannelOptions `mapstructure:"channel"`

	// BufferPoolSize is the number of buffers the Node's pool
	// pre-allocates (spec.md §3 Buffer pool).
	BufferPoolSize int `mapstructure:"buffer_pool_size"`
}

// DefaultOptions returns spec.md §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		Host:              "0.0.0.0",
		Port:              0,
		PacketLoss:        0,
		MinLatency:        0,
		MaxLatency:        0,
		SendBufferSize:    0,
		ReceiveBufferSize: 0,
		PeriodDuration:    1000 * time.Millisecond,
		TimeoutDuration:   20 * time.Second,
		SmoothingFactor:   rtt.DefaultSmoothingFactor,
		DeviationFactor:   rtt.DefaultDeviationFactor,
		Automatic:         true,
		Channel: ChannelOptions{
			MaxResendAttempts: 15,
			MinResendDelay:    100 * time.Millisecond,
			BackoffFactor:     1.2,
			AckBytes:          4,
		},
		BufferPoolSize: 256,
	}
}

// DecodeOptions decodes a generic configuration map (as loaded from
// YAML/JSON/env by an external collaborator) into Options on top of
// DefaultOptions, the way localrivet-gomcp's schema decoder builds
// typed arguments from an untyped map via mapstructure.
func DecodeOptions(raw map[string]interface{}) (Options, error) {
	opts := DefaultOptions()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Options{}, fmt.Errorf("kestrel: building options decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Options{}, fmt.Errorf("kestrel: decoding options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// Validate rejects out-of-range configuration synchronously at the call
// site (spec.md §7 configuration errors).
func (o Options) Validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, o.Port)
	}
	if o.PacketLoss < 0 || o.PacketLoss > 1 {
		return fmt.Errorf("%w: packet_loss %f not in [0,1]", ErrInvalidConfig, o.PacketLoss)
	}
	if o.MinLatency < 0 || o.MaxLatency < 0 || o.MinLatency > o.MaxLatency {
		return fmt.Errorf("%w: latency window [%s,%s] invalid", ErrInvalidConfig, o.MinLatency, o.MaxLatency)
	}
	if o.Channel.MaxResendAttempts <= 0 {
		return fmt.Errorf("%w: channel.max_resend_attempts must be positive", ErrInvalidConfig)
	}
	if o.Channel.BackoffFactor <= 1 {
		return fmt.Errorf("%w: channel.backoff_factor must be > 1", ErrInvalidConfig)
	}
	if o.Channel.AckBytes <= 0 {
		return fmt.Errorf("%w: channel.ack_bytes must be positive", ErrInvalidConfig)
	}
	return nil
}

func (o Options) simulation() socket.Simulation {
	return socket.Simulation{
		PacketLoss: o.PacketLoss,
		MinLatency: o.MinLatency,
		MaxLatency: o.MaxLatency,
	}
}

func (o Options) connOptions() conn.Options {
	return conn.Options{
		PeriodDuration:  o.PeriodDuration,
		TimeoutDuration: o.TimeoutDuration,
		SmoothingFactor: o.SmoothingFactor,
		DeviationFactor: o.DeviationFactor,
	}
}

func (o Options) channelOptions() channel.Options {
	return channel.Options{
		MaxResendAttempts: o.Channel.MaxResendAttempts,
		MinResendDelay:    o.Channel.MinResendDelay,
		BackoffFactor:     o.Channel.BackoffFactor,
		AckBytes:          o.Channel.AckBytes,
		Name:              o.Channel.Name,
	}
}
