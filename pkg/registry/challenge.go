package registry

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrAuthChallenge is wrapped by failures to extract a usable bearer
// challenge from a 401 response.
var ErrAuthChallenge = errors.New("auth challenge missing or malformed")

// Challenge is the parsed content of a WWW-Authenticate header returned by a
// registry, per RFC 6750 section 3.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

var challengeFieldRx = regexp.MustCompile(`^(\w+)\s*=\s*"([^"]*)"\s*,?\s*`)

// ParseChallenge parses the bearer challenge from the response headers of an
// unauthenticated registry request. Service and scope are required since they
// are what the token request is built from; the realm is recorded when
// present but the authorization server endpoint is configured, not taken
// from the challenge.
func ParseChallenge(hdr http.Header) (Challenge, error) {
	input := hdr.Get("WWW-Authenticate")
	if input == "" {
		return Challenge{}, fmt.Errorf("%w: no WWW-Authenticate header", ErrAuthChallenge)
	}
	if !strings.HasPrefix(input, "Bearer ") {
		scheme, _, _ := strings.Cut(input, " ")
		return Challenge{}, fmt.Errorf("%w: cannot handle challenge of type %q", ErrAuthChallenge, scheme)
	}
	rest := strings.TrimSpace(strings.TrimPrefix(input, "Bearer "))

	var c Challenge
	for rest != "" {
		// The ^ anchor guarantees the match is a prefix of rest.
		match := challengeFieldRx.FindStringSubmatch(rest)
		if match == nil {
			return Challenge{}, fmt.Errorf("%w: malformed WWW-Authenticate header %q", ErrAuthChallenge, input)
		}
		rest = strings.TrimPrefix(rest, match[0])

		switch match[1] {
		case "realm":
			c.Realm = match[2]
		case "service":
			c.Service = match[2]
		case "scope":
			c.Scope = match[2]
		}
	}

	if c.Service == "" {
		return Challenge{}, fmt.Errorf("%w: challenge has no service attribute", ErrAuthChallenge)
	}
	if c.Scope == "" {
		return Challenge{}, fmt.Errorf("%w: challenge has no scope attribute", ErrAuthChallenge)
	}
	return c, nil
}
