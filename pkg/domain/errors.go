package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrCommentNotFound    = NewErr("COMMENT_NOT_FOUND", "comment not found", http.StatusNotFound)
	ErrMessageRequired    = NewErr("MESSAGE_REQUIRED", "message required", http.StatusBadRequest)
	ErrMessageTooLarge    = NewErr("MESSAGE_TOO_LARGE", "message too large", http.StatusBadRequest)
	ErrTargetRequired     = NewErr("TARGET_REQUIRED", "target required", http.StatusBadRequest)
	ErrAuthorMismatch     = NewErr("AUTHOR_MISMATCH", "pseudonym and hash must both be present or both absent", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrChallengeRejected  = NewErr("CHALLENGE_REJECTED", "challenge verification failed", http.StatusForbidden)
	ErrCapabilityRejected = NewErr("CAPABILITY_REJECTED", "not authorized to modify this comment", http.StatusUnauthorized)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrBlocked            = NewErr("BLOCKED", "too many failed attempts", http.StatusTooManyRequests)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrStorageUnavailable = NewErr("STORAGE_UNAVAILABLE", "storage unavailable", http.StatusServiceUnavailable)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
