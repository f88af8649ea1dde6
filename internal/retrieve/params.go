package retrieve

import (
	"fmt"
	"strings"
)

// Params are the per-query knobs. Only the fields named in the allow-list can
// be overridden at query time; unknown keys are rejected at the boundary.
type Params struct {
	Mode         string // local | global | naive
	TopK         int
	Level        int
	ResponseType string
}

// Apply copies allow-listed overrides into p.
func (p *Params) Apply(overrides map[string]any) error {
	for key, value := range overrides {
		switch key {
		case "mode":
			s, ok := value.(string)
			if !ok {
				return fmt.Errorf("mode must be a string")
			}
			s = strings.ToLower(s)
			if s != "local" && s != "global" && s != "naive" {
				return fmt.Errorf("unknown query mode %q", s)
			}
			p.Mode = s
		case "top_k":
			n, ok := toInt(value)
			if !ok || n <= 0 {
				return fmt.Errorf("top_k must be a positive integer")
			}
			p.TopK = n
		case "level":
			n, ok := toInt(value)
			if !ok || n < 0 {
				return fmt.Errorf("level must be a non-negative integer")
			}
			p.Level = n
		case "response_type":
			s, ok := value.(string)
			if !ok || s == "" {
				return fmt.Errorf("response_type must be a non-empty string")
			}
			p.ResponseType = s
		default:
			return fmt.Errorf("unknown query parameter %q", key)
		}
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}
