// Package expiry maps paste expiration expressions such as "12h", "3d", "1w"
// or "never" to validity windows.
package expiry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pastebox/pkg/domain"
)

const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

var exprPattern = regexp.MustCompile(`^(\d+)(h|d|w)$`)

// Policy is the parametric expiration policy. Out-of-range counts are
// rejected instead of clamped so the stored label always matches expiresAt.
type Policy struct {
	MaxHours int
	MaxDays  int
	Default  string
}

var Default = Policy{MaxHours: 24, MaxDays: 7, Default: "1w"}

type Window struct {
	Expr     string
	Duration time.Duration
	Never    bool
}

// ExpiresAt returns createdAt+Duration, or nil for a window that never ends.
func (w Window) ExpiresAt(createdAt time.Time) *time.Time {
	if w.Never {
		return nil
	}
	t := createdAt.Add(w.Duration)
	return &t
}

// Resolve parses expr. A blank expr resolves to the policy default.
func (p Policy) Resolve(expr string) (Window, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = p.defaultExpr()
	}
	if expr == domain.ExpiryNever {
		return Window{Expr: expr, Never: true}, nil
	}
	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return Window{}, domain.ErrInvalidExpiry.WithMsg(
			fmt.Sprintf("invalid expiration format %q: expected %s", expr, p.Describe()))
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return Window{}, p.outOfRange(expr)
	}
	var d time.Duration
	switch m[2] {
	case "h":
		if n > p.maxHours() {
			return Window{}, p.outOfRange(expr)
		}
		d = time.Duration(n) * time.Hour
	case "d":
		if n > p.maxDays() {
			return Window{}, p.outOfRange(expr)
		}
		d = time.Duration(n) * Day
	case "w":
		if n != 1 {
			return Window{}, p.outOfRange(expr)
		}
		d = Week
	}
	return Window{Expr: expr, Duration: d}, nil
}

func (p Policy) IsValid(expr string) bool {
	_, err := p.Resolve(expr)
	return err == nil
}

// Describe returns the accepted format in human-readable form.
func (p Policy) Describe() string {
	return fmt.Sprintf("<n>h (1-%d), <n>d (1-%d), 1w or never", p.maxHours(), p.maxDays())
}

func (p Policy) outOfRange(expr string) error {
	return domain.ErrInvalidExpiry.WithMsg(
		fmt.Sprintf("expiration %q out of range: expected %s", expr, p.Describe()))
}

func (p Policy) maxHours() int {
	if p.MaxHours <= 0 {
		return Default.MaxHours
	}
	return p.MaxHours
}

func (p Policy) maxDays() int {
	if p.MaxDays <= 0 {
		return Default.MaxDays
	}
	return p.MaxDays
}

func (p Policy) defaultExpr() string {
	if p.Default == "" {
		return Default.Default
	}
	return p.Default
}
