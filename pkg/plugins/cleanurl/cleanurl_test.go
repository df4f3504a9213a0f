package cleanurl

import (
	"net/url"
	"strings"
	"testing"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/plugin/plugintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, location string, raw map[string]any) (*plugintest.Tab, *Plugin) {
	t.Helper()
	h := plugintest.New(t)
	tab := h.NewTab(location)
	p, err := New(tab.Tracker, tab.Env, raw)
	require.NoError(t, err)
	t.Cleanup(p.Remove)
	return tab, p.(*Plugin)
}

func TestCleanURL_Fields(t *testing.T) {
	tests := []struct {
		name     string
		opts     map[string]any
		page     string
		location string
		want     hit.Fields
	}{
		{
			name:     "page from location",
			location: "https://example.com/blog/?utm_source=x",
			want:     hit.Fields{"page": "/blog/?utm_source=x", "location": "https://example.com/blog/?utm_source=x"},
		},
		{
			name: "strip query",
			opts: map[string]any{"stripQuery": true},
			page: "/search?q=shoes&page=2",
			want: hit.Fields{"page": "/search"},
		},
		{
			name: "whitelist keeps order",
			opts: map[string]any{"stripQuery": true, "queryParamsWhitelist": []string{"page", "q"}},
			page: "/search?q=shoes&utm_medium=email&page=2&empty=",
			want: hit.Fields{"page": "/search?q=shoes&page=2"},
		},
		{
			name: "query dimension",
			opts: map[string]any{"stripQuery": true, "queryDimensionIndex": 5},
			page: "/search?q=shoes",
			want: hit.Fields{"page": "/search", "dimension5": "q=shoes"},
		},
		{
			name: "query dimension without query",
			opts: map[string]any{"stripQuery": true, "queryDimensionIndex": 5},
			page: "/search",
			want: hit.Fields{"page": "/search", "dimension5": NotSet},
		},
		{
			name: "index filename",
			opts: map[string]any{"indexFilename": "index.html"},
			page: "/docs/index.html",
			want: hit.Fields{"page": "/docs/"},
		},
		{
			name: "remove trailing slash",
			opts: map[string]any{"indexFilename": "index.html", "trailingSlash": "remove"},
			page: "/docs/index.html",
			want: hit.Fields{"page": "/docs"},
		},
		{
			name: "add trailing slash",
			opts: map[string]any{"trailingSlash": "add"},
			page: "/docs",
			want: hit.Fields{"page": "/docs/"},
		},
		{
			name: "add skips filenames",
			opts: map[string]any{"trailingSlash": "add"},
			page: "/files/report.pdf",
			want: hit.Fields{"page": "/files/report.pdf"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p := setup(t, "https://example.com/", tt.opts)
			assert.Equal(t, tt.want, p.CleanURLFields(tt.page, tt.location))
		})
	}
}

func TestCleanURL_FieldsFilter(t *testing.T) {
	_, p := setup(t, "https://example.com/", map[string]any{
		"stripQuery":          true,
		"queryDimensionIndex": 2,
		"urlFieldsFilter": func(fields hit.Fields, parse func(string) *url.URL) hit.Fields {
			fields["page"] = strings.ToLower(fields["page"].(string))
			fields["dimension9"] = "dropped"
			return fields
		},
	})

	got := p.CleanURLFields("/About?ref=nav", "")
	assert.Equal(t, hit.Fields{"page": "/about", "dimension2": "ref=nav"}, got)
}

func TestCleanURL_FieldsFilterPanicDropsHit(t *testing.T) {
	tab, _ := setup(t, "https://example.com/a?b=c", map[string]any{
		"urlFieldsFilter": func(hit.Fields, func(string) *url.URL) hit.Fields {
			panic("integrator bug")
		},
	})

	var err error
	require.NotPanics(t, func() { err = tab.Tracker.Send("pageview", nil) })
	var fe *hit.FilterError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, Name, fe.Plugin)
	assert.Zero(t, tab.Hits.Len())
	require.Len(t, tab.Errors(), 1)
	assert.ErrorAs(t, tab.Errors()[0], &fe)
}

func TestCleanURL_AppliesToEveryHit(t *testing.T) {
	tab, _ := setup(t, "https://example.com/Shop/index.html?session=abc", map[string]any{
		"stripQuery":    true,
		"indexFilename": "index.html",
		"trailingSlash": "remove",
	})

	require.NoError(t, tab.Tracker.Send("pageview", nil))
	require.NoError(t, tab.Tracker.Send("event", hit.Fields{"page": "/Shop/cart/?step=2"}))

	hits := tab.Hits.Hits()
	require.Len(t, hits, 2)
	assert.Equal(t, "/Shop", hits[0].Fields["page"])
	assert.Equal(t, "https://example.com/Shop/index.html?session=abc", hits[0].Fields["location"])
	assert.Contains(t, hits[0].Payload, "dp=%2FShop")
	assert.Equal(t, "/Shop/cart", hits[1].Fields["page"])
	assert.Equal(t, "2", tab.Tracker.Usage())
}

func TestCleanURL_RemoveUnchains(t *testing.T) {
	tab, p := setup(t, "https://example.com/a?b=c", map[string]any{"stripQuery": true})
	p.Remove()

	require.NoError(t, tab.Tracker.Send("pageview", nil))
	last, ok := tab.Hits.Last()
	require.True(t, ok)
	assert.Nil(t, last.Fields["page"])
}
