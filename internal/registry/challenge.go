package registry

import (
	"strings"
)

// Challenge is a parsed WWW-Authenticate header.
type Challenge struct {
	Scheme string
	Params map[string]string
}

// ParseChallenge parses `Scheme key="value",key=value`. Quoted values may
// contain commas and backslash escapes. Parameter names are lower-cased.
func ParseChallenge(header string) Challenge {
	header = strings.TrimSpace(header)
	scheme, rest, _ := strings.Cut(header, " ")

	challenge := Challenge{
		Scheme: strings.ToLower(scheme),
		Params: make(map[string]string),
	}

	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		if rest == "" {
			break
		}

		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			break
		}
		key := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = strings.TrimLeft(rest[eq+1:], " ")

		var value string
		if strings.HasPrefix(rest, `"`) {
			value, rest = readQuoted(rest[1:])
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			value = strings.TrimSpace(rest[:end])
			rest = rest[end:]
		}

		challenge.Params[key] = value
	}

	return challenge
}

func readQuoted(s string) (string, string) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), s[i+1:]
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), ""
}
