// Package config publishes the embedded per-device configuration as
// retained config/<key> messages.
package config

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"qifan-go/bus"
	"qifan-go/errcode"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

type ctxKey string

const deviceKey ctxKey = "device"

// WithDevice stores the device ID used to select the embedded config.
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, deviceKey, device)
}

// DeviceFrom returns the device ID stored by WithDevice.
func DeviceFrom(ctx context.Context) string {
	s, _ := ctx.Value(deviceKey).(string)
	return s
}

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// Devices lists the embedded device IDs.
func Devices() []string {
	out := make([]string, 0, len(embeddedConfigs))
	for k := range embeddedConfigs {
		out = append(out, k)
	}
	return out
}

type ConfigService struct {
	Name string
	log  zerolog.Logger
}

func NewConfigService(log zerolog.Logger) *ConfigService {
	return &ConfigService{Name: serviceName, log: log.With().Str("svc", serviceName).Logger()}
}

// Publish reads the device config and publishes each top-level key as a
// retained message. It returns once everything is published.
func (s *ConfigService) Publish(ctx context.Context, conn *bus.Connection) error {
	device := DeviceFrom(ctx)
	if device == "" {
		return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "missing device ID in context"}
	}

	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: "no embedded config for device " + device}
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return errors.Wrapf(&errcode.E{C: errcode.InvalidPayload, Op: "config", Err: err}, "device %s", device)
	}
	if m == nil {
		return &errcode.E{C: errcode.InvalidPayload, Op: "config", Msg: "embedded config is not a JSON object"}
	}

	for k, v := range m {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
	}
	s.log.Info().Str("device", device).Int("keys", len(m)).Msg("config published")
	return nil
}

// Start publishes in the background and logs any failure.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.Publish(ctx, conn); err != nil {
			s.log.Error().Err(err).Msg("config publish failed")
		}
	}()
}
