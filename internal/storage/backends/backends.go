// Package backends decodes persisted strategy configs into the typed config
// of each storage kind and constructs the matching adapter.
package backends

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
	"github.com/fireflycloud/fireflycloud/internal/storage/local"
	"github.com/fireflycloud/fireflycloud/internal/storage/onedrive"
	"github.com/fireflycloud/fireflycloud/internal/storage/s3"
	"github.com/fireflycloud/fireflycloud/internal/storage/webdav"
)

// Config is the typed config of one storage kind.
type Config interface {
	Validate() error
}

// redacted replaces secret values in configs returned to admins.
const redacted = "********"

var secretKeys = map[models.StrategyType][]string{
	models.StrategyS3Compatible: {"secret_access_key"},
	models.StrategyOneDrive:     {"client_secret", "refresh_token", "access_token"},
	models.StrategyWebDAV:       {"password"},
}

func newConfig(kind models.StrategyType) (Config, error) {
	switch kind {
	case models.StrategyLocal:
		return &local.Config{}, nil
	case models.StrategyS3Compatible:
		return &s3.Config{}, nil
	case models.StrategyOneDrive:
		return &onedrive.Config{}, nil
	case models.StrategyWebDAV:
		return &webdav.Config{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", storage.ErrInvalidConfig, kind)
	}
}

// Decode converts a raw config map into the typed config of kind. Unknown
// keys and values of the wrong type are rejected; durations may be given
// as strings such as "15m".
func Decode(kind models.StrategyType, raw map[string]any) (Config, error) {
	cfg, err := newConfig(kind)
	if err != nil {
		return nil, err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrInvalidConfig, kind, err)
	}
	return cfg, nil
}

// Validate decodes and validates raw without building a backend. The admin
// API calls it before persisting a config.
func Validate(kind models.StrategyType, raw map[string]any) error {
	cfg, err := Decode(kind, raw)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", storage.ErrInvalidConfig, kind, err)
	}
	return nil
}

// Construct is the storage.Constructor for every supported kind.
func Construct(ctx context.Context, kind models.StrategyType, raw map[string]any) (storage.Backend, error) {
	cfg, err := Decode(kind, raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrInvalidConfig, kind, err)
	}

	var b storage.Backend
	switch c := cfg.(type) {
	case *local.Config:
		b, err = local.New(*c)
	case *s3.Config:
		b, err = s3.New(ctx, *c)
	case *onedrive.Config:
		b, err = onedrive.New(*c)
	case *webdav.Config:
		b, err = webdav.New(*c)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s backend: %w", kind, err)
	}
	return b, nil
}

// Redact returns a copy of raw with secret values masked.
func Redact(kind models.StrategyType, raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for _, k := range secretKeys[kind] {
		if v, ok := out[k]; ok && v != "" {
			out[k] = redacted
		}
	}
	return out
}

// MergeSecrets restores secrets the admin client sent back masked, so an
// edit of a redacted config keeps the stored credentials.
func MergeSecrets(kind models.StrategyType, current, next map[string]any) map[string]any {
	out := make(map[string]any, len(next))
	for k, v := range next {
		out[k] = v
	}
	for _, k := range secretKeys[kind] {
		if out[k] == redacted {
			if v, ok := current[k]; ok {
				out[k] = v
			} else {
				delete(out, k)
			}
		}
	}
	return out
}
