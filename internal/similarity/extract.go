package similarity

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Marker is the heading the comparison prompt asks the assistant to fill in.
const Marker = "3. Context Similarity Percentage:"

var (
	ErrUnparseable = errors.New("context similarity percentage is not an integer between 0 and 100")

	markerPattern = regexp.MustCompile(`3\.\s*Context Similarity Percentage:[\s#*]*([^%\n]*)%?`)
)

// ParseError reports a reply that carries the marker without a usable value.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %v", e.Raw, ErrUnparseable)
}

func (e *ParseError) Unwrap() error { return ErrUnparseable }

type Result struct {
	Message string
	// Percentage is nil when the reply carries no marker.
	Percentage *int
}

// Extract pulls the context similarity percentage out of an assistant reply.
// The matched segment is removed from the returned message.
func Extract(reply string) (Result, error) {
	m := markerPattern.FindStringSubmatch(reply)
	if m == nil {
		return Result{Message: strings.TrimSpace(reply)}, nil
	}
	raw := strings.TrimSpace(strings.Trim(strings.TrimSpace(m[1]), "*#"))
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > 100 {
		return Result{Message: strings.TrimSpace(reply)}, &ParseError{Raw: raw}
	}
	stripped := markerPattern.ReplaceAllString(reply, "")
	return Result{Message: strings.TrimSpace(stripped), Percentage: &n}, nil
}
