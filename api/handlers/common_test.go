package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/flowgate/lock"
	"github.com/BaSui01/flowgate/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		data       any
		wantStatus int
	}{
		{
			name:       "simple object",
			data:       map[string]string{"message": "hello"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "array",
			data:       []int{1, 2, 3},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.wantStatus, tt.data)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"key": "value"}

	WriteSuccess(w, data)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	err := json.NewDecoder(w.Body).Decode(&resp)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            *APIError
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "invalid request",
			err:            NewAPIError(ErrInvalidRequest, "graph_id is required"),
			expectedStatus: http.StatusBadRequest,
			expectedCode:   string(ErrInvalidRequest),
		},
		{
			name:           "not found",
			err:            NewAPIError(ErrNotFound, "graph not found"),
			expectedStatus: http.StatusNotFound,
			expectedCode:   string(ErrNotFound),
		},
		{
			name:           "rate limit",
			err:            NewAPIError(ErrRateLimited, "too many requests"),
			expectedStatus: http.StatusTooManyRequests,
			expectedCode:   string(ErrRateLimited),
		},
		{
			name:           "explicit status wins",
			err:            NewAPIError(ErrInvalidRequest, "bad media type").WithHTTPStatus(http.StatusUnsupportedMediaType),
			expectedStatus: http.StatusUnsupportedMediaType,
			expectedCode:   string(ErrInvalidRequest),
		},
		{
			name:           "internal error",
			err:            NewAPIError(ErrInternalError, "store unavailable"),
			expectedStatus: http.StatusInternalServerError,
			expectedCode:   string(ErrInternalError),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var resp Response
			err := json.NewDecoder(w.Body).Decode(&resp)
			require.NoError(t, err)

			assert.False(t, resp.Success)
			assert.Nil(t, resp.Data)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestWriteError_HidesInternalCause(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, NewAPIError(ErrInternalError, "internal error").WithCause(errors.New("dial tcp 10.0.0.1:5432")), nil)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Empty(t, resp.Error.Details)

	w = httptest.NewRecorder()
	WriteError(w, NewAPIError(ErrInvalidRequest, "invalid").WithCause(errors.New("missing field")), nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "missing field", resp.Error.Details)
}

func TestMapEngineError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCode      ErrorCode
		wantStatus    int
		wantRetryable bool
	}{
		{
			name:       "invalid resume request",
			err:        workflow.ResumeRequest{}.Validate(),
			wantCode:   ErrInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "graph not found",
			err:        fmt.Errorf("%w: orders", workflow.ErrGraphNotFound),
			wantCode:   ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "activity not found",
			err:        fmt.Errorf("%w: ship", workflow.ErrActivityNotFound),
			wantCode:   ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "consistency",
			err:        fmt.Errorf("join: %w", &workflow.ConsistencyError{GatewayID: "j", Reached: 3, Required: 2}),
			wantCode:   ErrInconsistentJoin,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "instance exists",
			err:        fmt.Errorf("%w: pi-1", workflow.ErrInstanceExists),
			wantCode:   ErrInstanceExists,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "configuration",
			err:        &workflow.ConfigurationError{GatewayID: "g", Reason: "1 incoming / 1 outgoing"},
			wantCode:   ErrInvalidGraph,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:          "lock exhausted",
			err:           fmt.Errorf("%w: key flowgate:instance:pi", lock.ErrExhausted),
			wantCode:      ErrLockUnavailable,
			wantStatus:    http.StatusServiceUnavailable,
			wantRetryable: true,
		},
		{
			name:          "deadline",
			err:           fmt.Errorf("save token: %w", context.DeadlineExceeded),
			wantCode:      ErrTimeout,
			wantStatus:    http.StatusGatewayTimeout,
			wantRetryable: true,
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantCode:   ErrInternalError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := mapEngineError(tt.err)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantRetryable, apiErr.Retryable)
			assert.ErrorIs(t, apiErr, tt.err)

			w := httptest.NewRecorder()
			WriteEngineError(w, tt.err, zap.NewNop())
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestDecodeJSONBody(t *testing.T) {
	logger := zap.NewNop()

	type TestStruct struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
	}

	tests := []struct {
		name      string
		body      string
		wantErr   bool
		checkFunc func(*testing.T, *TestStruct)
	}{
		{
			name: "valid JSON",
			body: `{"name":"test","value":123}`,
			checkFunc: func(t *testing.T, ts *TestStruct) {
				assert.Equal(t, "test", ts.Name)
				assert.Equal(t, 123, ts.Value)
			},
		},
		{
			name:    "invalid JSON",
			body:    `{"name":"test",}`,
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    ``,
			wantErr: true,
		},
		{
			name:    "unknown field",
			body:    `{"name":"test","unknown":"field"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString(tt.body))

			var result TestStruct
			err := DecodeJSONBody(w, r, &result, logger)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				if tt.checkFunc != nil {
					tt.checkFunc(t, &result)
				}
			}
		})
	}
}

func TestValidateContentType(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name        string
		contentType string
		want        bool
	}{
		{
			name:        "valid application/json",
			contentType: "application/json",
			want:        true,
		},
		{
			name:        "valid with charset",
			contentType: "application/json; charset=utf-8",
			want:        true,
		},
		{
			name:        "valid with uppercase charset",
			contentType: "application/json; charset=UTF-8",
			want:        true,
		},
		{
			name:        "valid with extra whitespace",
			contentType: "application/json;  charset=utf-8",
			want:        true,
		},
		{
			name:        "invalid text/plain",
			contentType: "text/plain",
			want:        false,
		},
		{
			name:        "empty",
			contentType: "",
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/test", nil)
			r.Header.Set("Content-Type", tt.contentType)

			result := ValidateContentType(w, r, logger)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := NewResponseWriter(w)

	// 初始状态
	assert.Equal(t, http.StatusOK, rw.StatusCode)
	assert.False(t, rw.Written)

	// 写入状态码
	rw.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)
	assert.True(t, rw.Written)

	// 再次写入应该被忽略
	rw.WriteHeader(http.StatusBadRequest)
	assert.Equal(t, http.StatusCreated, rw.StatusCode)

	// 写入内容
	n, err := rw.Write([]byte("test"))
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), rw.BytesWritten)
}

func TestMapErrorCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{ErrInvalidRequest, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{ErrInconsistentJoin, http.StatusConflict},
		{ErrInstanceExists, http.StatusConflict},
		{ErrInvalidGraph, http.StatusUnprocessableEntity},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrLockUnavailable, http.StatusServiceUnavailable},
		{ErrTimeout, http.StatusGatewayTimeout},
		{ErrInternalError, http.StatusInternalServerError},
		{ErrServiceUnavailable, http.StatusServiceUnavailable},
		{"UNKNOWN_CODE", http.StatusInternalServerError}, // 默认
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			status := mapErrorCodeToHTTPStatus(tt.code)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestDecodeJSONBody_MaxBodySize(t *testing.T) {
	logger := zap.NewNop()

	type TestStruct struct {
		Name string `json:"name"`
	}

	// Create a body that exceeds 1 MB
	oversized := `{"name":"` + strings.Repeat("x", 2<<20) + `"}`

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(oversized))

	var result TestStruct
	err := DecodeJSONBody(w, r, &result, logger)

	assert.Error(t, err, "body exceeding 1 MB should be rejected")
}

func TestDecodeJSONBody_WithinLimit(t *testing.T) {
	logger := zap.NewNop()

	type TestStruct struct {
		Name string `json:"name"`
	}

	body := `{"name":"small"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(body))

	var result TestStruct
	err := DecodeJSONBody(w, r, &result, logger)

	assert.NoError(t, err)
	assert.Equal(t, "small", result.Name)
}
