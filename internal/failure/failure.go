// Package failure defines the error taxonomy of the scraping pipeline.
//
// Every failure that reaches the recovery subsystem is reduced to exactly one
// Category by Classify. Components that know what went wrong return an *Error
// carrying the category directly; everything else falls through to the ordered
// rule list in classify.go.
package failure

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category is the machine-readable failure class.
type Category string

// Failure categories, in classification order.
const (
	RateLimit       Category = "rate_limit"
	Mapping         Category = "mapping_not_found"
	Network         Category = "network"
	Parse           Category = "parse"
	MissingResource Category = "missing_resource"
	InvalidData     Category = "invalid_data"
	Generic         Category = "generic"
)

// Categories lists every category in classification order.
var Categories = []Category{RateLimit, Mapping, Network, Parse, MissingResource, InvalidData, Generic}

// ParseCategory maps a stored string back to a Category, defaulting to Generic.
func ParseCategory(raw string) Category {
	for _, c := range Categories {
		if string(c) == raw {
			return c
		}
	}
	return Generic
}

// Sentinel causes used across packages.
var (
	ErrRateLimited     = errors.New("rate limited by provider")
	ErrNotFound        = errors.New("resource not found")
	ErrMappingNotFound = errors.New("no confident provider match")
	ErrParse           = errors.New("malformed provider response")
	ErrInvalidData     = errors.New("invalid catalog data")
)

// Error wraps a cause with its category and the job context operators need.
type Error struct {
	Category Category
	Op       string
	AnimeID  int
	Title    string
	Attempt  int
	// Terminal marks the failure as do-not-retry.
	Terminal bool
	// RetryAfter is the provider-advertised wait, when known.
	RetryAfter time.Duration
	Err        error
}

// New builds a categorized error for op.
func New(category Category, op string, err error) *Error {
	return &Error{Category: category, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.AnimeID != 0 {
		fmt.Fprintf(&b, " [anime=%d", e.AnimeID)
		if e.Title != "" {
			fmt.Fprintf(&b, " title=%q", e.Title)
		}
		if e.Attempt > 0 {
			fmt.Fprintf(&b, " attempt=%d", e.Attempt)
		}
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Annotate attaches job context to err, classifying it if needed.
func Annotate(err error, animeID int, title string, attempt int) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		if cp.AnimeID == 0 {
			cp.AnimeID = animeID
		}
		if cp.Title == "" {
			cp.Title = title
		}
		cp.Attempt = attempt
		if cp.Category == "" {
			cp.Category = classifyUntyped(err)
		}
		return &cp
	}
	return &Error{
		Category: classifyUntyped(err),
		AnimeID:  animeID,
		Title:    title,
		Attempt:  attempt,
		Err:      err,
	}
}

// DoNotRetry marks err as terminal.
func DoNotRetry(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Terminal = true
		return &cp
	}
	return &Error{Category: Classify(err), Terminal: true, Err: err}
}

// IsTerminal reports whether err carries a do-not-retry marker.
func IsTerminal(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Terminal
}

// RetryAfterOf returns the provider-advertised wait attached to err.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}
