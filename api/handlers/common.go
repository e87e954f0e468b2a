package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/BaSui01/flowgate/internal/ctxkeys"
	"github.com/BaSui01/flowgate/internal/pool"
	"github.com/BaSui01/flowgate/lock"
	"github.com/BaSui01/flowgate/workflow"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"` // 不序列化到 JSON
}

// =============================================================================
// ❌ API 错误
// =============================================================================

// ErrorCode API 错误码
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrInconsistentJoin   ErrorCode = "INCONSISTENT_JOIN"
	ErrInstanceExists     ErrorCode = "INSTANCE_EXISTS"
	ErrInvalidGraph       ErrorCode = "INVALID_GRAPH"
	ErrLockUnavailable    ErrorCode = "LOCK_UNAVAILABLE"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// APIError 携带错误码与 HTTP 状态的错误
type APIError struct {
	Code       ErrorCode
	Message    string
	Retryable  bool
	HTTPStatus int
	Cause      error
}

// NewAPIError 创建 API 错误
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// WithCause 设置底层错误
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// WithHTTPStatus 覆盖默认 HTTP 状态码
func (e *APIError) WithHTTPStatus(status int) *APIError {
	e.HTTPStatus = status
	return e
}

// WithRetryable 标记客户端可重试
func (e *APIError) WithRetryable(retryable bool) *APIError {
	e.Retryable = retryable
	return e
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"success":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`+"\n")
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// writeSuccessFor 写入带 request id 的成功响应
func writeSuccessFor(w http.ResponseWriter, r *http.Request, status int, data any) {
	resp := Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	}
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		resp.RequestID = id
	}
	WriteJSON(w, status, resp)
}

// WriteError 写入错误响应
func WriteError(w http.ResponseWriter, err *APIError, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
		}
		if err.Cause != nil {
			fields = append(fields, zap.Error(err.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Warn("API error", fields...)
		}
	}

	info := &ErrorInfo{
		Code:       string(err.Code),
		Message:    err.Message,
		Retryable:  err.Retryable,
		HTTPStatus: status,
	}
	if err.Cause != nil && status < http.StatusInternalServerError {
		info.Details = err.Cause.Error()
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     info,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, NewAPIError(code, message).WithHTTPStatus(status), logger)
}

// WriteEngineError 把引擎返回的错误映射为 API 错误并写出
func WriteEngineError(w http.ResponseWriter, err error, logger *zap.Logger) {
	WriteError(w, mapEngineError(err), logger)
}

// =============================================================================
// 🔄 错误映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInconsistentJoin, ErrInstanceExists:
		return http.StatusConflict
	case ErrInvalidGraph:
		return http.StatusUnprocessableEntity
	case ErrRateLimited:
		return http.StatusTooManyRequests

	// 5xx 服务端错误
	case ErrLockUnavailable, ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// mapEngineError 按错误类型归类引擎错误
func mapEngineError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var consErr *workflow.ConsistencyError
	var cfgErr *workflow.ConfigurationError

	switch {
	case errors.Is(err, workflow.ErrInvalidResumeRequest):
		return NewAPIError(ErrInvalidRequest, "invalid resume request").WithCause(err)
	case errors.Is(err, workflow.ErrGraphNotFound):
		return NewAPIError(ErrNotFound, "graph not found").WithCause(err)
	case errors.Is(err, workflow.ErrActivityNotFound):
		return NewAPIError(ErrNotFound, "activity not found").WithCause(err)
	case errors.Is(err, workflow.ErrInstanceExists):
		return NewAPIError(ErrInstanceExists, "process instance already exists").WithCause(err)
	case errors.As(err, &consErr):
		return NewAPIError(ErrInconsistentJoin, "join state is inconsistent").WithCause(err)
	case errors.As(err, &cfgErr):
		return NewAPIError(ErrInvalidGraph, "gateway is misconfigured").WithCause(err)
	case errors.Is(err, lock.ErrExhausted):
		return NewAPIError(ErrLockUnavailable, "process instance is busy").
			WithCause(err).
			WithRetryable(true)
	case errors.Is(err, context.DeadlineExceeded):
		return NewAPIError(ErrTimeout, "request timed out").
			WithCause(err).
			WithRetryable(true)
	default:
		return NewAPIError(ErrInternalError, "internal error").WithCause(err)
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体（1 MB 限制 + 严格模式）
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	if r.Body == nil || r.Body == http.NoBody {
		err := NewAPIError(ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		message := "invalid JSON body"
		if errors.Is(err, io.EOF) {
			message = "request body is empty"
		}
		apiErr := NewAPIError(ErrInvalidRequest, message).WithCause(err)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// ValidateContentType 验证 Content-Type
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		WriteError(w, NewAPIError(ErrInvalidRequest, "Content-Type must be application/json").
			WithHTTPStatus(http.StatusUnsupportedMediaType), logger)
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}
