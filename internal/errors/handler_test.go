package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/stitch/internal/logger"
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedType   ErrorType
		expectedMsg    string
	}{
		{
			name:           "app error",
			err:            NewValidationError("invalid rate"),
			expectedStatus: http.StatusBadRequest,
			expectedType:   ErrorTypeValidation,
			expectedMsg:    "invalid rate",
		},
		{
			name:           "plain error is hidden",
			err:            errors.New("secret detail"),
			expectedStatus: http.StatusInternalServerError,
			expectedType:   ErrorTypeInternal,
			expectedMsg:    "An unexpected error occurred",
		},
		{
			name:           "resource error",
			err:            NewResourceError(errors.New("x"), CodeNoFragments, "no fragments to play"),
			expectedStatus: http.StatusUnprocessableEntity,
			expectedType:   ErrorTypeResource,
			expectedMsg:    "no fragments to play",
		},
	}

	h := NewErrorHandler(logger.NewNullLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/seek", nil)
			req.Header.Set(logger.RequestIDHeader, "req-1")
			rec := httptest.NewRecorder()

			h.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			resp := decodeResponse(t, rec)
			assert.Equal(t, tt.expectedType, resp.Error.Type)
			assert.Equal(t, tt.expectedMsg, resp.Error.Message)
			assert.Equal(t, "req-1", resp.RequestID)
		})
	}
}

func TestHandleErrorUsesContextRequestID(t *testing.T) {
	h := NewErrorHandler(nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(logger.WithRequestID(req.Context(), "ctx-id"))
	rec := httptest.NewRecorder()

	h.HandleError(rec, req, NewConflictError("source not running"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ctx-id", decodeResponse(t, rec).RequestID)
}

func TestHandleNotFoundAndMethodNotAllowed(t *testing.T) {
	h := NewErrorHandler(nil)

	rec := httptest.NewRecorder()
	h.HandleNotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrorTypeNotFound, decodeResponse(t, rec).Error.Type)

	rec = httptest.NewRecorder()
	h.HandleMethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMiddlewareRecoversPanic(t *testing.T) {
	h := NewErrorHandler(nil)
	handler := h.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrorTypeInternal, decodeResponse(t, rec).Error.Type)
}
