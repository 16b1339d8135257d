// Package modules holds helpers shared by the built-in modules. The modules
// themselves live in subpackages and register with the catalog from init.
package modules

import (
	"fmt"
	"time"
)

// Duration reads cfg[key] as a duration string ("30s") or a number of seconds.
func Duration(cfg map[string]any, key string, def time.Duration) (time.Duration, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	var d time.Duration
	switch t := v.(type) {
	case string:
		p, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		d = p
	case int:
		d = time.Duration(t) * time.Second
	case int64:
		d = time.Duration(t) * time.Second
	case float64:
		d = time.Duration(t * float64(time.Second))
	case time.Duration:
		d = t
	default:
		return 0, fmt.Errorf("%s: unsupported type %T", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// Int reads cfg[key] as an integer. TOML and JSON decode numbers differently,
// so int, int64 and float64 are accepted.
func Int(cfg map[string]any, key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	}
	return 0, fmt.Errorf("%s: unsupported type %T", key, v)
}
