package retrieve

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// ResolveTemplate resolves a user-supplied prompt template: an empty value
// means the built-in default; a value with a path-like prefix is read from
// disk. A template missing any required placeholder, or an unreadable file,
// falls back to the default with a warning. Never fatal.
func ResolveTemplate(value string, required []string, fallback string) string {
	if value == "" {
		return fallback
	}
	tpl := value
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "/") || strings.HasPrefix(value, `\`) {
		raw, err := os.ReadFile(value)
		if err != nil {
			log.Warn().Err(err).Str("path", value).Msg("cannot read template file, using default")
			return fallback
		}
		tpl = string(raw)
	}
	for _, ph := range required {
		if !strings.Contains(tpl, ph) {
			log.Warn().Str("placeholder", ph).Msg("template missing required placeholder, using default")
			return fallback
		}
	}
	return tpl
}
