package resolver

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogProviders(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	p, ok := c.Provider("vshutter")
	require.True(t, ok)
	require.True(t, p.Enabled)
	require.True(t, p.Points.Equal(decimal.NewFromInt(10)))

	alamy, ok := c.Provider("alamy")
	require.True(t, ok)
	require.False(t, alamy.Enabled)

	_, ok = c.Provider("nope")
	require.False(t, ok)

	all := c.Providers()
	require.Equal(t, "shutterstock", all[0].Key)
	all[0].Key = "mutated"
	require.Equal(t, "shutterstock", c.Providers()[0].Key)
}

func TestLoadCatalogRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"missing rules":   `{"providers":[{"key":"a","label":"A","points":"1","enabled":true}]}`,
		"bad points":      `{"providers":[{"key":"a","label":"A","points":"-1","enabled":true}],"rules":[{"site":"a","pattern":"a(\\d+)","groups":[1]}]}`,
		"unknown site":    `{"providers":[{"key":"a","label":"A","points":"1","enabled":true}],"rules":[{"site":"b","pattern":"b(\\d+)","groups":[1]}]}`,
		"bad regexp":      `{"providers":[{"key":"a","label":"A","points":"1","enabled":true}],"rules":[{"site":"a","pattern":"a(?=x)(\\d+)","groups":[1]}]}`,
		"group too large": `{"providers":[{"key":"a","label":"A","points":"1","enabled":true}],"rules":[{"site":"a","pattern":"a(\\d+)","groups":[2]}]}`,
		"duplicate key":   `{"providers":[{"key":"a","label":"A","points":"1","enabled":true},{"key":"a","label":"B","points":"1","enabled":true}],"rules":[{"site":"a","pattern":"a(\\d+)","groups":[1]}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCatalog([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadCatalogMinimal(t *testing.T) {
	doc := `{
		"providers":[{"key":"shop","label":"Shop","points":"2.5","enabled":true}],
		"rules":[{"site":"shop","pattern":"shop\\.test/(\\d+)","groups":[1]}]
	}`
	c, err := LoadCatalog([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, 1, c.Resolver().Rules())
	m, err := c.Resolver().Resolve("https://shop.test/77")
	require.NoError(t, err)
	require.Equal(t, Match{Site: "shop", StockID: "77"}, m)
	p, _ := c.Provider("shop")
	require.Equal(t, "2.5", p.Points.String())
}
