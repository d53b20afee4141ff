package api

import (
	"encoding/json"
	"html"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"remarq/cfg"
	"remarq/pkg/domain"
	"remarq/svc/auth"
	"remarq/svc/lim"
	"remarq/svc/svc"
	"remarq/svc/util"
)

const (
	maxRequestSize = 128 * 1024
	sessionCookie  = "remarq_admin"

	capTokenHeader    = "X-Capability-Token"
	capIssuedAtHeader = "X-Capability-Issued-At"
)

type Hdl struct {
	comments *svc.Comment
	auth     *auth.Authenticator
	cfg      *cfg.Cfg
}

type ChallengeReq struct {
	PreChallenge string `json:"pre_challenge"`
	PreNonce     int64  `json:"pre_nonce"`
}
type ChallengeResp struct {
	Challenge string `json:"challenge"`
}

// RequestChallenge trades a solved pre-stage proof of work for a signed
// formal challenge.
func (h *Hdl) RequestChallenge(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req ChallengeReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PreChallenge == "" {
		log.Warn().Msg("missing pre challenge")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	challenge, err := h.comments.RequestChallenge(r.Context(), req.PreChallenge, req.PreNonce)
	if err != nil {
		if errors.Is(err, domain.ErrChallengeRejected) {
			writeErr(w, domain.ErrChallengeRejected, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to issue challenge")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(ChallengeResp{Challenge: challenge})
}

type CreateReq struct {
	Target     string `json:"target"`
	Challenge  string `json:"challenge"`
	Nonce      int64  `json:"nonce"`
	Pseudonym  string `json:"pseudonym,omitempty"`
	AuthorHash string `json:"author_hash,omitempty"`
	Message    string `json:"message"`
	Website    string `json:"website,omitempty"`
}
type CreateResp struct {
	CommentID       string `json:"comment_id"`
	IssuedAtMs      int64  `json:"issued_at_ms"`
	CapabilityToken string `json:"capability_token"`
}

func (h *Hdl) CreateComment(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if !decodeJSON(w, r, &req) {
		return
	}

	// The website field is invisible to humans; anything in it marks an
	// automated submission. Bots get the same 201 a real create would
	// return, minus the row.
	if req.Website != "" {
		log.Info().
			Str("request_id", requestID).
			Msg("honeypot tripped, returning decoy")
		result, err := h.comments.Decoy(r.Context())
		if err != nil {
			writeErr(w, domain.ErrInternalServer, requestID)
			return
		}
		writeCreateResp(w, result)
		return
	}

	// Size is checked once, on the sanitized form, so escaping cannot
	// push an accepted message past the cap later.
	message := sanitizeText(req.Message)
	if message == "" {
		log.Warn().Msg("empty message")
		writeErr(w, domain.ErrMessageRequired, requestID)
		return
	}
	if int64(len(message)) > h.cfg.MaxMessageSize {
		log.Warn().Int("message_length", len(message)).Msg("message exceeds maximum size")
		writeErr(w, domain.ErrMessageTooLarge, requestID)
		return
	}
	if req.Challenge == "" {
		log.Warn().Msg("missing challenge")
		writeErr(w, domain.ErrChallengeRejected, requestID)
		return
	}

	realIP := lim.GetRealIP(r, h.cfg.TrustedProxies)
	ipHasher, err := util.GetIPHasher()
	if err != nil {
		log.Error().Err(err).Msg("IP hasher not initialized")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	ipHash, err := ipHasher.HashIP(realIP)
	if err != nil {
		log.Error().Err(err).Str("ip", util.RedactIP(realIP)).Msg("failed to hash client IP")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}

	isAdmin := false
	if c, err := r.Cookie(sessionCookie); err == nil {
		isAdmin = h.auth.CheckAuth(r.Context(), c.Value)
	}

	params := domain.CreateParams{
		Target:       req.Target,
		Author:       domain.Author{Pseudonym: sanitizeText(req.Pseudonym), Hash: req.AuthorHash},
		Message:      message,
		IsAdmin:      isAdmin,
		ClientIPHash: ipHash,
	}
	result, err := h.comments.Create(r.Context(), params, req.Challenge, req.Nonce)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrChallengeRejected),
			errors.Is(err, domain.ErrTargetRequired),
			errors.Is(err, domain.ErrMessageRequired),
			errors.Is(err, domain.ErrMessageTooLarge),
			errors.Is(err, domain.ErrAuthorMismatch),
			errors.Is(err, domain.ErrInvalidRequest),
			errors.Is(err, domain.ErrIDGenerationFailed):
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Msg("failed to create comment")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("comment_id", result.Comment.ID).
		Str("target", result.Comment.Target).
		Bool("is_admin", isAdmin).
		Msg("comment created")
	writeCreateResp(w, result)
}

func writeCreateResp(w http.ResponseWriter, result *svc.CreateResult) {
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		CommentID:       result.Comment.ID,
		IssuedAtMs:      result.IssuedAtMs,
		CapabilityToken: result.CapabilityToken,
	})
}

func (h *Hdl) ListComments(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	target := chi.URLParam(r, "target")
	thread, err := h.comments.ListByTarget(r.Context(), target)
	if err != nil {
		if errors.Is(err, domain.ErrTargetRequired) {
			writeErr(w, domain.ErrTargetRequired, requestID)
			return
		}
		log.Error().Err(err).Str("target", target).Msg("failed to list comments")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	if thread == nil {
		thread = []*domain.Comment{}
	}
	json.NewEncoder(w).Encode(thread)
}

type UpdateReq struct {
	Message string `json:"message"`
}

func (h *Hdl) UpdateComment(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	token, issuedAtMs, ok := capabilityFromHeaders(w, r)
	if !ok {
		return
	}
	var req UpdateReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeErr(w, domain.ErrMessageRequired, requestID)
		return
	}
	if err := h.comments.Update(r.Context(), id, issuedAtMs, token, sanitizeText(req.Message)); err != nil {
		writeMutationErr(w, log, err, id, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

func (h *Hdl) DeleteComment(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	token, issuedAtMs, ok := capabilityFromHeaders(w, r)
	if !ok {
		return
	}
	if err := h.comments.Delete(r.Context(), id, issuedAtMs, token); err != nil {
		writeMutationErr(w, log, err, id, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func capabilityFromHeaders(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	requestID := util.GetRequestID(r.Context())
	token := r.Header.Get(capTokenHeader)
	issuedAtStr := r.Header.Get(capIssuedAtHeader)
	if token == "" || issuedAtStr == "" {
		writeErr(w, domain.ErrCapabilityRejected, requestID)
		return "", 0, false
	}
	issuedAtMs, err := strconv.ParseInt(issuedAtStr, 10, 64)
	if err != nil {
		writeErr(w, domain.ErrCapabilityRejected, requestID)
		return "", 0, false
	}
	return token, issuedAtMs, true
}

func writeMutationErr(w http.ResponseWriter, log *zerolog.Logger, err error, id, requestID string) {
	switch {
	case errors.Is(err, domain.ErrCapabilityRejected):
		writeErr(w, domain.ErrCapabilityRejected, requestID)
	case errors.Is(err, domain.ErrCommentNotFound):
		writeErr(w, domain.ErrCommentNotFound, requestID)
	case errors.Is(err, domain.ErrMessageRequired), errors.Is(err, domain.ErrMessageTooLarge):
		writeErr(w, err, requestID)
	default:
		log.Error().Err(err).Str("id", id).Msg("comment mutation failed")
		writeErr(w, domain.ErrInternalServer, requestID)
	}
}

type LoginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Hdl) AdminLogin(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req LoginReq
	if !decodeJSON(w, r, &req) {
		return
	}
	ipHash := lim.HashCaller(lim.GetRealIP(r, h.cfg.TrustedProxies))
	token, lifetime, err := h.auth.Login(r.Context(), ipHash, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrBlocked) {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.LoginBlockTTL.Seconds())))
			writeErr(w, domain.ErrBlocked, requestID)
			return
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			writeErr(w, domain.ErrUnauthorized, requestID)
			return
		}
		if errors.Is(err, domain.ErrStorageUnavailable) {
			log.Error().Err(err).Msg("login failure accounting unavailable")
			writeErr(w, domain.ErrStorageUnavailable, requestID)
			return
		}
		log.Error().Err(err).Msg("admin login failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(lifetime.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "message": "logged in"})
}

func (h *Hdl) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		h.auth.Logout(r.Context(), c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "message": "logged out"})
}

func (h *Hdl) AdminCheck(w http.ResponseWriter, r *http.Request) {
	authenticated := false
	if c, err := r.Cookie(sessionCookie); err == nil {
		authenticated = h.auth.CheckAuth(r.Context(), c.Value)
	}
	json.NewEncoder(w).Encode(map[string]bool{"authenticated": authenticated})
}

// AdminDeleteComment tombstones any comment; the session gate lives in
// middleware.
func (h *Hdl) AdminDeleteComment(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.comments.AdminDelete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrCommentNotFound) {
			writeErr(w, domain.ErrCommentNotFound, requestID)
			return
		}
		log.Error().Err(err).Str("id", id).Msg("admin delete failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

// decodeJSON enforces the JSON content type, bounds the body, and
// rejects unknown fields. Writes the error response itself and reports
// whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return false
		}
		if cl > maxRequestSize {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrMessageTooLarge, requestID)
			return false
		}
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

func sanitizeText(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	return html.EscapeString(s)
}
