package domain

import (
	"time"
)

const (
	DefaultTitle    = "Untitled"
	DefaultLanguage = "plaintext"
	ExpiryNever     = "never"

	// SearchLimit caps the number of summaries a search returns.
	SearchLimit = 20
)

type Paste struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Language  string     `json:"language"`
	ExpiresIn string     `json:"expiresIn"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Views     int64      `json:"views"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Expired reports whether the paste is logically deleted at now.
// A nil ExpiresAt never expires.
func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p *Paste) Summary() PasteSummary {
	return PasteSummary{
		ID:        p.ID,
		Title:     p.Title,
		Language:  p.Language,
		Views:     p.Views,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
	}
}

func (p *Paste) Analytics() Analytics {
	return Analytics{
		ID:        p.ID,
		Title:     p.Title,
		Views:     p.Views,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
		ExpiresIn: p.ExpiresIn,
	}
}

type PasteSummary struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Language  string     `json:"language"`
	Views     int64      `json:"views"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

type Analytics struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Views     int64      `json:"views"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
	ExpiresIn string     `json:"expiresIn"`
}

type CreateParams struct {
	Title     string
	Content   string
	Language  string
	ExpiresIn string
}
