package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mailfold/mailfold/internal/domain"
)

// Pagination describes the page window of a list response.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// NewPagination derives the page block from a limit/offset query and the
// total row count.
func NewPagination(limit, offset, total int) *Pagination {
	if limit <= 0 {
		limit = 1
	}
	pages := total / limit
	if total%limit > 0 {
		pages++
	}
	return &Pagination{
		Page:  offset/limit + 1,
		Limit: limit,
		Total: total,
		Pages: pages,
	}
}

type responseError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// envelope is the uniform JSON response shape.
type envelope struct {
	Success    bool           `json:"success"`
	Data       interface{}    `json:"data,omitempty"`
	Message    string         `json:"message,omitempty"`
	Pagination *Pagination    `json:"pagination,omitempty"`
	Error      *responseError `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false}`, http.StatusInternalServerError)
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeList(w http.ResponseWriter, data interface{}, pagination *Pagination) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Pagination: pagination})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: true, Message: message})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &responseError{Code: code, Message: message}})
}

// writeError maps typed domain errors onto the envelope with their stable
// codes. Unknown errors are redacted to a generic 500; callers log the
// detail before handing the error here.
func writeError(w http.ResponseWriter, err error) {
	var validation domain.ValidationError
	if errors.As(err, &validation) {
		writeJSON(w, http.StatusBadRequest, envelope{Success: false, Error: &responseError{
			Code:    domain.ErrCodeValidation,
			Message: validation.Message,
			Fields:  validation.Fields,
		}})
		return
	}
	if appErr, ok := domain.AsAppError(err); ok && appErr.IsOperational {
		writeErrorCode(w, appErr.HTTPStatus, appErr.Code, appErr.Message)
		return
	}
	writeErrorCode(w, http.StatusInternalServerError, domain.ErrCodeInternal, "internal server error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorCode(w, http.StatusBadRequest, domain.ErrCodeValidation, "invalid request body")
		return false
	}
	return true
}
