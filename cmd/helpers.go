package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// parsePairs splits repeated key=value flag values.
func parsePairs(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, kv := range values {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, errs.Invalid("--%s %q: expected key=value", flag, kv)
		}
		out[k] = v
	}
	return out, nil
}

// parseProps parses --prop key=value flags against the declarations of def.
func parseProps(reg *typedef.Registry, def *typedef.TypeDef, values []string) (property.Properties, error) {
	raw, err := parsePairs("prop", values)
	if err != nil {
		return nil, err
	}
	return reg.ParseProperties(def, raw)
}

// parseTime accepts RFC 3339 or a plain date.
func parseTime(flag, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, errs.Invalid("--%s %q: expected RFC 3339 time or YYYY-MM-DD", flag, s)
}

func parseStatuses(values []string) ([]typedef.InstanceStatus, error) {
	var out []typedef.InstanceStatus
	for _, v := range values {
		s := typedef.InstanceStatus(strings.ToUpper(strings.TrimSpace(v)))
		if !s.IsValid() {
			return nil, errs.Wrap(errs.ErrStatusNotSupported, "unknown status %q", v)
		}
		out = append(out, s)
	}
	return out, nil
}

// oneOf validates an enumerated flag value.
func oneOf(flag, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("--%s must be one of %s, got %q", flag, strings.Join(allowed, ", "), value)
}
