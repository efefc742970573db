// Package recovery drives the account-recovery flow in a stealth browser
// and extracts the deep link the provider presents as a QR code.
package recovery

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an element does not appear in time
var ErrTimeout = errors.New("timed out waiting for element")

// Query locates one element. CSS may be a comma-separated list. When Text is
// set the element, or the Scope container around it, must contain it.
type Query struct {
	CSS   string `json:"css"`
	Text  string `json:"text,omitempty"`
	Scope string `json:"scope,omitempty"`
}

// Selector is a named list of alternative queries; the first hit wins
type Selector struct {
	Name    string
	Queries []Query
}

// CSS builds a selector from plain CSS alternatives
func CSS(name string, css ...string) Selector {
	s := Selector{Name: name}
	for _, c := range css {
		s.Queries = append(s.Queries, Query{CSS: c})
	}
	return s
}

// Or appends alternative queries
func (s Selector) Or(q ...Query) Selector {
	s.Queries = append(append([]Query(nil), s.Queries...), q...)
	return s
}

// Rect is an element's box in viewport coordinates
type Rect struct {
	X, Y, Width, Height float64
}

// Center returns the middle of the box
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Page is the browser surface the state machine drives
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitFor(ctx context.Context, sel Selector, timeout time.Duration) error
	Present(ctx context.Context, sel Selector) (bool, error)
	Box(ctx context.Context, sel Selector) (Rect, error)
	Viewport() (width, height float64)
	MoveMouse(ctx context.Context, x, y float64) error
	Click(ctx context.Context, x, y float64) error
	TypeKey(ctx context.Context, key string) error
	PressEnter(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Links(ctx context.Context) ([]string, error)
	// Restyle forces a light background and dark strokes on the element so
	// its capture decodes reliably.
	Restyle(ctx context.Context, sel Selector) error
	// Capture returns a PNG of the element
	Capture(ctx context.Context, sel Selector) ([]byte, error)
	WaitIdle(ctx context.Context, timeout time.Duration) error
	Close() error
}
