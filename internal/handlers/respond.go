package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/stockpoints/backend/internal/ledger"
	"github.com/stockpoints/backend/internal/provider"
	"github.com/stockpoints/backend/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorMessage is the client-facing text for err. Internal errors are logged, never echoed.
func errorMessage(code int, err error) string {
	if code == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}

// errorStatus maps service errors onto HTTP status codes. Unknown errors are 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrOrderFailed):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidUser), errors.Is(err, ledger.ErrInvalidType), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, provider.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// pageParams reads page and page_size; bad or missing values fall back to defaults.
func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, size
}
