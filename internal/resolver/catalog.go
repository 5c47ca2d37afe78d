package resolver

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/stockpoints/backend/internal/models"
)

//go:embed providers.json
var defaultCatalog []byte

//go:embed catalog.schema.json
var catalogSchema string

const catalogSchemaID = "https://stockpoints.dev/schemas/provider-catalog.json"

// ErrValidation wraps catalog documents that fail the schema or reference checks.
var ErrValidation = errors.New("catalog validation failed")

// Catalog is the immutable provider configuration: provider entries (cost, label, enabled)
// plus the ordered URL rules. Build it once at startup and share it.
type Catalog struct {
	providers []models.Provider
	byKey     map[string]models.Provider
	resolver  *Resolver
}

type catalogFile struct {
	Providers []struct {
		Key     string `json:"key"`
		Label   string `json:"label"`
		SiteURL string `json:"site_url"`
		Points  string `json:"points"`
		Enabled bool   `json:"enabled"`
	} `json:"providers"`
	Rules []struct {
		Site    string `json:"site"`
		Pattern string `json:"pattern"`
		Exclude string `json:"exclude"`
		Groups  []int  `json:"groups"`
		Join    string `json:"join"`
	} `json:"rules"`
}

// DefaultCatalog returns the catalog embedded in the binary.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(defaultCatalog)
}

// LoadCatalogFile reads and validates a catalog document from path.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %q: %w", path, err)
	}
	return LoadCatalog(data)
}

// LoadCatalog validates data against the catalog schema and compiles its rules.
func LoadCatalog(data []byte) (*Catalog, error) {
	schema, err := jsonschema.CompileString(catalogSchemaID, catalogSchema)
	if err != nil {
		return nil, fmt.Errorf("compile catalog schema: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := &Catalog{byKey: make(map[string]models.Provider, len(file.Providers))}
	for _, p := range file.Providers {
		if _, dup := c.byKey[p.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %q", ErrValidation, p.Key)
		}
		points, err := decimal.NewFromString(p.Points)
		if err != nil {
			return nil, fmt.Errorf("%w: provider %q points: %v", ErrValidation, p.Key, err)
		}
		prov := models.Provider{
			Key:     p.Key,
			Label:   p.Label,
			SiteURL: p.SiteURL,
			Points:  points,
			Enabled: p.Enabled,
		}
		c.providers = append(c.providers, prov)
		c.byKey[p.Key] = prov
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, r := range file.Rules {
		if _, ok := c.byKey[r.Site]; !ok {
			return nil, fmt.Errorf("%w: rule %d references unknown site %q", ErrValidation, i, r.Site)
		}
		pattern, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d pattern: %v", ErrValidation, i, err)
		}
		for _, g := range r.Groups {
			if g > pattern.NumSubexp() {
				return nil, fmt.Errorf("%w: rule %d group %d out of range", ErrValidation, i, g)
			}
		}
		rule := Rule{Site: r.Site, Pattern: pattern, Groups: r.Groups, Join: r.Join}
		if r.Exclude != "" {
			rule.Exclude, err = regexp.Compile(r.Exclude)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d exclude: %v", ErrValidation, i, err)
			}
		}
		rules = append(rules, rule)
	}
	c.resolver = New(rules)
	return c, nil
}

// Resolver returns the rule evaluator built from the catalog.
func (c *Catalog) Resolver() *Resolver {
	return c.resolver
}

// Provider returns the provider entry for key.
func (c *Catalog) Provider(key string) (models.Provider, bool) {
	p, ok := c.byKey[key]
	return p, ok
}

// Providers lists providers in catalog order.
func (c *Catalog) Providers() []models.Provider {
	out := make([]models.Provider, len(c.providers))
	copy(out, c.providers)
	return out
}
