package registry

import (
	"net/http"
	"strings"
)

// Challenge is one auth scheme offered in a WWW-Authenticate header.
type Challenge struct {
	// Scheme is lowercased, e.g. "bearer" or "basic".
	Scheme string
	// Parameters keys are lowercased.
	Parameters map[string]string
}

// ParseChallenges extracts the challenges from a response's
// WWW-Authenticate headers.
func ParseChallenges(h http.Header) []Challenge {
	var out []Challenge
	for _, v := range h.Values("WWW-Authenticate") {
		out = append(out, parseChallengeHeader(v)...)
	}
	return out
}

// parseChallengeHeader handles headers of the form
//
//	Bearer realm="https://auth.example.com/token",service="registry",scope="repository:a/b:pull"
//
// A header may carry several schemes. Parameters are comma separated and the
// values may be quoted.
func parseChallengeHeader(v string) []Challenge {
	var (
		out []Challenge
		cur *Challenge
	)
	s := v
	for {
		s = skipSpaceAndCommas(s)
		if s == "" {
			break
		}

		token, rest := expectToken(s)
		if token == "" {
			break
		}
		afterToken := skipSpace(rest)

		if strings.HasPrefix(afterToken, "=") && cur != nil {
			value, tail, ok := expectValue(skipSpace(afterToken[1:]))
			if !ok {
				break
			}
			cur.Parameters[strings.ToLower(token)] = value
			s = tail
			continue
		}

		out = append(out, Challenge{Scheme: strings.ToLower(token), Parameters: map[string]string{}})
		cur = &out[len(out)-1]
		s = rest
	}
	return out
}

func skipSpace(s string) string {
	return strings.TrimLeft(s, " \t")
}

func skipSpaceAndCommas(s string) string {
	return strings.TrimLeft(s, " \t,")
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~/:", c) >= 0
}

func expectToken(s string) (token, rest string) {
	i := 0
	for i < len(s) && isTokenChar(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func expectValue(s string) (value, rest string, ok bool) {
	if s == "" {
		return "", "", false
	}
	if s[0] != '"' {
		v, r := expectToken(s)
		return v, r, v != ""
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			return b.String(), s[i+1:], true
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", "", false
}
