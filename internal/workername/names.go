package workername

import (
	"errors"
	"fmt"
	"strings"
)

// ModeRetrieveOnly is the only execution mode a worker may run in.
const ModeRetrieveOnly = "retrieve_only"

// ForbiddenDomain is a legacy placeholder that must never address a worker.
const ForbiddenDomain = "default"

var (
	// ErrInvalidFormat is returned for names with more than three segments
	ErrInvalidFormat = errors.New("invalid worker name format")

	// ErrUnsupportedMode is returned when the mode segment is not retrieve_only
	ErrUnsupportedMode = errors.New("unsupported worker mode")

	// ErrForbiddenDomain is returned when a worker name uses the "default" domain
	ErrForbiddenDomain = errors.New("forbidden worker domain")
)

// Parsed is the decoded form of a {domain}:{strategy}:{mode} worker name.
type Parsed struct {
	Domain   string `json:"domain"`
	Strategy string `json:"strategy"`
	Mode     string `json:"mode"`
}

// Key returns the cache key for the strategy instance addressed by p.
func (p Parsed) Key() string {
	return Format(p.Domain, p.Strategy, p.Mode)
}

// Parse decodes a worker name. One- and two-segment names are accepted for
// backward compatibility: "strategy" and "domain:strategy".
func Parse(name string) (Parsed, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Parsed{Mode: ModeRetrieveOnly}, nil
	}

	parts := strings.Split(name, ":")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	switch len(parts) {
	case 1:
		return Parsed{Strategy: parts[0], Mode: ModeRetrieveOnly}, nil
	case 2:
		return Parsed{Domain: parts[0], Strategy: parts[1], Mode: ModeRetrieveOnly}, nil
	case 3:
		mode := parts[2]
		if mode == "" {
			mode = ModeRetrieveOnly
		}
		if mode != ModeRetrieveOnly {
			return Parsed{}, fmt.Errorf("%w: %q in %q", ErrUnsupportedMode, mode, name)
		}
		return Parsed{Domain: parts[0], Strategy: parts[1], Mode: mode}, nil
	default:
		return Parsed{}, fmt.Errorf("%w: %q", ErrInvalidFormat, name)
	}
}

// Format encodes a worker name. An empty mode resolves to retrieve_only.
func Format(domain, strategy, mode string) string {
	if mode == "" {
		mode = ModeRetrieveOnly
	}
	return strings.TrimSpace(domain) + ":" + strings.TrimSpace(strategy) + ":" + mode
}

// Resolve parses name and rejects the forbidden "default" domain. Callers use
// it on the dispatch path where a bad name is a configuration bug.
func Resolve(name string) (Parsed, error) {
	p, err := Parse(name)
	if err != nil {
		return Parsed{}, err
	}
	if strings.EqualFold(p.Domain, ForbiddenDomain) {
		return Parsed{}, fmt.Errorf("%w: %q (worker %q)", ErrForbiddenDomain, p.Domain, name)
	}
	return p, nil
}
