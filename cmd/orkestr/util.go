package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/loykin/orkestr/pkg/client"
)

func newAPIClient(flags *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if flags.APIUrl != "" {
		cfg.BaseURL = strings.TrimRight(flags.APIUrl, "/")
	}
	if flags.APITimeout > 0 {
		cfg.Timeout = flags.APITimeout
	}
	cfg.Insecure = flags.Insecure
	if flags.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: flags.CACert}
	}
	cfg.Token = flags.Token
	cfg.Username = flags.User
	cfg.Password = flags.Password
	return client.New(cfg)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// parseSettings turns repeated key=value flags into a module config map.
// Values that parse as bool, integer or float keep that type.
func parseSettings(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid setting %q, want key=value", kv)
		}
		out[k] = typedValue(strings.TrimSpace(v))
	}
	return out, nil
}

func typedValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
