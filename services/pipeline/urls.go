package pipeline

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var urlSeparators = strings.NewReplacer("\n", ";", ",", ";")

// NormalizeURLs splits delimited entries, trims them and drops empties and
// duplicates while keeping the first occurrence order.
func NormalizeURLs(raw ...[]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, list := range raw {
		for _, entry := range list {
			for _, part := range strings.Split(urlSeparators.Replace(entry), ";") {
				part = strings.TrimSpace(part)
				if part == "" || seen[part] {
					continue
				}
				seen[part] = true
				out = append(out, part)
			}
		}
	}
	return out
}

// WebScenarioName derives a stable name from a monitored URL: its last path
// segment, else its host, else a random web_ prefixed name.
func WebScenarioName(raw string) string {
	var name string
	if u, err := url.Parse(raw); err == nil {
		segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
		switch {
		case len(segments) > 0:
			name = segments[len(segments)-1]
		case u.Host != "":
			name = u.Host
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "web_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	}
	return truncate(name, 255)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
