// Package service 包含了网关的业务逻辑层。
package service

import (
	"errors"
	"net/http"

	"gallery-gateway/internal/upload"
)

// 业务错误。调用方用 fmt.Errorf("...: %w") 包装，handler 用 errors.Is 归类为 HTTP 状态码。
var (
	ErrUnauthenticated     = errors.New("authentication required")
	ErrInsufficientScope   = errors.New("insufficient scope")
	ErrValidation          = errors.New("validation failed")
	ErrChunkConflict       = errors.New("chunk upload in progress")
	ErrChunkIntegrity      = errors.New("chunk checksum mismatch")
	ErrChunkTooLarge       = errors.New("chunk too large")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// HTTPStatus 把业务错误映射为 HTTP 状态码，未知错误一律 500。
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientScope):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation), errors.Is(err, upload.ErrInvalidFileID):
		return http.StatusBadRequest
	case errors.Is(err, ErrChunkConflict), errors.Is(err, upload.ErrSessionLocked):
		return http.StatusConflict
	case errors.Is(err, ErrChunkIntegrity):
		return http.StatusBadRequest
	case errors.Is(err, ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode 返回错误信封里的 error 字段。
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInsufficientScope):
		return "forbidden"
	case errors.Is(err, ErrValidation), errors.Is(err, upload.ErrInvalidFileID):
		return "validation_error"
	case errors.Is(err, ErrChunkConflict), errors.Is(err, upload.ErrSessionLocked):
		return "chunk_conflict"
	case errors.Is(err, ErrChunkIntegrity):
		return "chunk_integrity"
	case errors.Is(err, ErrChunkTooLarge):
		return "chunk_too_large"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "upstream_unreachable"
	default:
		return "internal_error"
	}
}
