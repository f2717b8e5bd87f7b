package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"pastebox/cfg"
	"pastebox/pkg/domain"
	"pastebox/svc/svc"
	"pastebox/svc/util"
)

const (
	maxTitleLen    = 200
	maxLanguageLen = 50
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content   string `json:"content"`
	Title     string `json:"title,omitempty"`
	Language  string `json:"language,omitempty"`
	ExpiresIn string `json:"expiresIn,omitempty"`
}

type ExpirationsResp struct {
	Format   string   `json:"format"`
	Default  string   `json:"default"`
	MaxHours int      `json:"maxHours"`
	MaxDays  int      `json:"maxDays"`
	Examples []string `json:"examples"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeErr(w, domain.ErrInvalidRequest.WithMsg("expected Content-Type: application/json"), requestID)
		return
	}
	// JSON escaping can double the encoded size of the content.
	limit := h.cfg.MaxPasteSize*2 + 4096
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrContentRequired, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest.WithMsg("request body must be a JSON object"), requestID)
		}
		return
	}
	params := domain.CreateParams{
		Content:   sanitizeContent(req.Content),
		Title:     sanitizeLabel(req.Title, maxTitleLen),
		Language:  sanitizeLabel(req.Language, maxLanguageLen),
		ExpiresIn: strings.TrimSpace(req.ExpiresIn),
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		if domain.IsValidation(err) {
			log.Warn().Err(err).Msg("rejected paste")
		}
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(paste)
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Get(r.Context(), id)
	if err != nil {
		if !domain.IsNotFound(err) {
			log.Error().Err(err).Str("paste_id", id).Msg("get failed")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Debug().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int64("views", paste.Views).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(paste)
}

// GetRawPaste serves bare content. Errors are plain text too so that
// curl users never see JSON.
func (h *Hdl) GetRawPaste(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	content, err := h.paste.GetRaw(r.Context(), id)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err != nil {
		status := domain.Status(err)
		msg := "Paste not found"
		if errors.Is(err, domain.ErrInvalidID) {
			msg = "Invalid paste id"
		}
		if status >= http.StatusInternalServerError {
			msg = "Internal server error"
			hlog.FromRequest(r).Error().Err(err).Str("paste_id", id).Msg("raw get failed")
		}
		w.WriteHeader(status)
		io.WriteString(w, msg)
		return
	}
	etag := util.ContentDigest(content)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	io.WriteString(w, content)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	removed, err := h.paste.Delete(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("paste_id", id).Msg("failed to delete paste")
		writeErr(w, err, requestID)
		return
	}
	if !removed {
		writeErr(w, domain.ErrPasteNotFound, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Paste deleted successfully"})
}

func (h *Hdl) SearchPastes(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	q := r.URL.Query().Get("q")
	res, err := h.paste.Search(r.Context(), q)
	if err != nil {
		if !domain.IsValidation(err) {
			log.Error().Err(err).Str("query", util.RedactQuery(q)).Msg("search failed")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Debug().Str("query", util.RedactQuery(q)).Int("results", len(res)).Msg("search")
	json.NewEncoder(w).Encode(res)
}

func (h *Hdl) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	a, err := h.paste.Analytics(r.Context(), id)
	if err != nil {
		if !domain.IsNotFound(err) {
			hlog.FromRequest(r).Error().Err(err).Str("paste_id", id).Msg("analytics failed")
		}
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(a)
}

func (h *Hdl) GetExpirations(w http.ResponseWriter, r *http.Request) {
	p := h.paste.Policy()
	json.NewEncoder(w).Encode(ExpirationsResp{
		Format:   p.Describe(),
		Default:  p.Default,
		MaxHours: p.MaxHours,
		MaxDays:  p.MaxDays,
		Examples: []string{"1h", "12h", "24h", "1d", "3d", "7d", "1w", domain.ExpiryNever},
	})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	errorMsg := resp.Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"code":       resp.Error.Code,
		"request_id": requestID,
	})
}

// sanitizeContent keeps content verbatim apart from dropping invalid UTF-8.
func sanitizeContent(s string) string {
	return strings.ToValidUTF8(s, "")
}

// sanitizeLabel normalises a short single-line field such as a title.
func sanitizeLabel(s string, maxRunes int) string {
	s = norm.NFC.String(strings.ToValidUTF8(s, ""))
	s = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if rs := []rune(s); len(rs) > maxRunes {
		s = strings.TrimSpace(string(rs[:maxRunes]))
	}
	return s
}
