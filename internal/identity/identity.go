// Package identity resolves a person crop to a known user through the face
// recognition service.
package identity

import (
	"context"
	"image"
)

// SessionContext is the occupancy state the recognition service reports for
// the matched user.
type SessionContext string

const (
	ContextUnknown SessionContext = ""
	ContextInside  SessionContext = "inside"
	ContextOutside SessionContext = "outside"
)

// Match is the nearest enrolled face. Nil Distance or UserID means the
// service found nothing.
type Match struct {
	Distance *float64
	UserID   *int64
	UserName string
	Context  SessionContext
}

// Matched reports whether the match is close enough to be trusted.
func (m Match) Matched(threshold float64) bool {
	return m.Distance != nil && m.UserID != nil && *m.Distance < threshold
}

// NoMatch is returned for empty crops, missing faces and service timeouts.
var NoMatch = Match{}

// Resolver looks up the identity of a person crop.
type Resolver interface {
	Resolve(ctx context.Context, crop image.Image) (Match, error)
}
