package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/domain"
)

func TestWriteErrorValidation(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, domain.NewValidationError("campaign name is required", "name"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrCodeValidation, resp.Error.Code)
	assert.Equal(t, []string{"name"}, resp.Error.Fields)
}

func TestWriteErrorAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, domain.NotFoundError("campaign", "camp-1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrCodeNotFound, resp.Error.Code)
}

func TestWriteErrorRedactsUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, errors.New("pq: connection refused at 10.1.2.3"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")
	var resp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, domain.ErrCodeInternal, resp.Error.Code)
}

func TestNewPagination(t *testing.T) {
	p := NewPagination(25, 50, 52)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, 25, p.Limit)
	assert.Equal(t, 52, p.Total)
	assert.Equal(t, 3, p.Pages)

	p = NewPagination(25, 0, 0)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 0, p.Pages)
}
