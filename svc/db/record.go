package db

import (
	"strings"
	"time"

	"pastebox/pkg/domain"
	"pastebox/pkg/expiry"
)

// newRecord validates params and fills in defaults. The id is left for the
// driver to assign.
func newRecord(params domain.CreateParams, policy expiry.Policy, now time.Time) (*domain.Paste, error) {
	if strings.TrimSpace(params.Content) == "" {
		return nil, domain.ErrContentRequired
	}
	w, err := policy.Resolve(params.ExpiresIn)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = domain.DefaultTitle
	}
	lang := strings.TrimSpace(params.Language)
	if lang == "" {
		lang = domain.DefaultLanguage
	}
	created := now.UTC().Truncate(time.Millisecond)
	return &domain.Paste{
		Title:     title,
		Content:   params.Content,
		Language:  lang,
		ExpiresIn: w.Expr,
		ExpiresAt: w.ExpiresAt(created),
		Views:     0,
		CreatedAt: created,
	}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > domain.SearchLimit {
		return domain.SearchLimit
	}
	return limit
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
