package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"

	"github.com/mushuanli/itookit-sub011/pkg/vfs"
)

var validate = validator.New()

// Validate checks the struct tags first, then the rules that span fields or
// need parsing (module names, globs, URLs, ports). Log levels are accepted
// in either case; ApplyDefaults uppercases them.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	names := make(map[string]bool)
	for i, m := range cfg.Modules {
		if err := vfs.ValidateModuleName(m.Name); err != nil {
			return fmt.Errorf("modules[%d]: %w", i, err)
		}
		if names[m.Name] {
			return fmt.Errorf("modules[%d]: duplicate module name %q", i, m.Name)
		}
		names[m.Name] = true
	}

	for i, p := range cfg.Middleware.ReadOnlyPaths {
		if _, err := glob.Compile(p, '/'); err != nil {
			return fmt.Errorf("middleware.read_only_paths[%d]: %w", i, err)
		}
	}
	for i, p := range cfg.Sync.Paths {
		if _, err := glob.Compile(p, '/'); err != nil {
			return fmt.Errorf("sync.paths[%d]: %w", i, err)
		}
	}

	if cfg.Sync.Enabled {
		if cfg.Sync.URL == "" {
			return fmt.Errorf("sync: url is required when sync is enabled")
		}
		u, err := url.Parse(cfg.Sync.URL)
		if err != nil {
			return fmt.Errorf("sync: invalid url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("sync: unsupported url scheme %q", u.Scheme)
		}
	}

	if cfg.Hub.Listener.Enabled && cfg.Server.Metrics.Enabled &&
		cfg.Hub.Listener.Port > 0 && cfg.Hub.Listener.Port == cfg.Server.Metrics.Port {
		return fmt.Errorf("hub: port %d is also used by metrics", cfg.Hub.Listener.Port)
	}

	if cfg.Hub.Listener.RateBurst > 0 && cfg.Hub.Listener.RateLimit == 0 {
		return fmt.Errorf("hub: rate_burst requires rate_limit")
	}

	return nil
}

// formatValidationError reports the first failing field.
func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		e := errs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
