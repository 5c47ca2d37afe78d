package models

import "github.com/shopspring/decimal"

// Provider is a stock site entry of the provider catalog.
type Provider struct {
	Key     string          `json:"key"`
	Label   string          `json:"label"`
	SiteURL string          `json:"site_url"`
	Points  decimal.Decimal `json:"points"`
	Enabled bool            `json:"enabled"`
}
