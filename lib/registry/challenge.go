package registry

import "strings"

// challenge is one parsed WWW-Authenticate header: a scheme ("Bearer" or
// "Basic") plus its quoted-string parameters (realm, service, scope).
type challenge struct {
	Scheme string
	Params map[string]string
}

// parseChallenge parses a single WWW-Authenticate header value of the form
//
//	Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo:pull"
//
// Registries only ever send one challenge per response in practice; the
// Distribution Spec doesn't define multi-challenge headers, so unlike a
// general HTTP client this doesn't attempt to split on comma-separated
// scheme boundaries.
func parseChallenge(header string) challenge {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok {
		return challenge{Scheme: header, Params: map[string]string{}}
	}

	params := map[string]string{}
	for _, part := range splitParams(rest) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		params[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return challenge{Scheme: scheme, Params: params}
}

// splitParams splits comma-separated key="value" pairs without breaking on
// commas embedded inside quoted values (scopes can legitimately contain
// commas when a token covers more than one resource).
func splitParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}
