package handlers

import (
	"net/http"

	"github.com/stockpoints/backend/internal/models"
)

// ProviderLister lists the stock sites of the catalog. *resolver.Catalog implements it.
type ProviderLister interface {
	Providers() []models.Provider
}

// ListProviders handles GET /v1/providers (public, no auth).
func ListProviders(catalog ProviderLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": catalog.Providers()})
	}
}
