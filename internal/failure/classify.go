package failure

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"
)

type rule struct {
	category Category
	match    func(err error, msg string) bool
}

var (
	status429 = regexp.MustCompile(`\b429\b`)
	status404 = regexp.MustCompile(`\b404\b`)
	status5xx = regexp.MustCompile(`\b(502|503|504)\b`)
)

// rules are evaluated first-match; Generic is the fallback.
var rules = []rule{
	{RateLimit, func(err error, msg string) bool {
		return errors.Is(err, ErrRateLimited) || status429.MatchString(msg) ||
			containsAny(msg, "rate limit", "too many requests")
	}},
	{Mapping, func(err error, msg string) bool {
		return errors.Is(err, ErrMappingNotFound) || containsAny(msg, "mapping", "no provider match")
	}},
	{Network, func(err error, msg string) bool {
		return isNetwork(err) || status5xx.MatchString(msg) || containsAny(msg,
			"connection refused", "connection reset", "no such host", "timeout", "deadline exceeded",
			"broken pipe", "tls handshake", "unexpected eof")
	}},
	{Parse, func(err error, msg string) bool {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		return errors.Is(err, ErrParse) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
			containsAny(msg, "parse", "unexpected token", "invalid character", "unexpected end of json")
	}},
	{MissingResource, func(err error, msg string) bool {
		return errors.Is(err, ErrNotFound) || status404.MatchString(msg) ||
			containsAny(msg, "not found", "no longer exists")
	}},
	{InvalidData, func(err error, msg string) bool {
		return errors.Is(err, ErrInvalidData) || containsAny(msg, "invalid data", "corrupt")
	}},
}

// Classify reduces err to a single Category. Typed errors win; otherwise the
// first matching rule decides, and Generic always matches.
func Classify(err error) Category {
	if err == nil {
		return Generic
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Category != "" {
		return fe.Category
	}
	return classifyUntyped(err)
}

func classifyUntyped(err error) Category {
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.match(err, msg) {
			return r.category
		}
	}
	return Generic
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func containsAny(msg string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
