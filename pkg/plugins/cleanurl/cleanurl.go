// Package cleanurl normalizes the page URL on every hit so reports do not
// split one page across many URL variants.
//
// Cleaning happens in the build step, so it applies to hits from every
// source. The location field is left as is.
package cleanurl

import (
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
	"github.com/harun/autotrack/pkg/plugin"
	"github.com/harun/autotrack/pkg/tracker"
)

const (
	Name     = "cleanUrlTracker"
	UsageBit = 1
)

// NotSet is the query dimension value for URLs without a query.
const NotSet = "(not set)"

// Trailing slash policies.
const (
	TrailingSlashAdd    = "add"
	TrailingSlashRemove = "remove"
)

// FieldsFilter may adjust the cleaned fields. Only page, location and the
// query dimension are kept from its result.
type FieldsFilter func(fields hit.Fields, parse func(raw string) *url.URL) hit.Fields

// Options configures the plugin.
type Options struct {
	plugin.Common `mapstructure:",squash"`

	// StripQuery drops the query string from the page path.
	StripQuery bool `json:"stripQuery" mapstructure:"stripQuery"`
	// QueryParamsWhitelist lists parameters kept when StripQuery is set.
	QueryParamsWhitelist []string `json:"queryParamsWhitelist" mapstructure:"queryParamsWhitelist"`
	// QueryDimensionIndex, with StripQuery, records the full query in dimensionN.
	QueryDimensionIndex int `json:"queryDimensionIndex" mapstructure:"queryDimensionIndex"`
	// IndexFilename, such as "index.html", is removed from the end of paths.
	IndexFilename string `json:"indexFilename" mapstructure:"indexFilename"`
	// TrailingSlash is "add", "remove" or empty to leave paths alone.
	TrailingSlash   string       `json:"trailingSlash" mapstructure:"trailingSlash"`
	URLFieldsFilter FieldsFilter `json:"-" mapstructure:"urlFieldsFilter"`
}

var fileExtension = regexp.MustCompile(`\.\w+$`)

// Plugin is a running URL cleaner.
type Plugin struct {
	*plugin.Base
	opts Options
	page page.Page
}

// New is the plugin.Constructor.
func New(t *tracker.Tracker, env plugin.Env, raw map[string]any) (plugin.Plugin, error) {
	var opts Options
	if err := plugin.LoadOptions(env, Name, raw, &opts); err != nil {
		return nil, err
	}
	return NewPlugin(t, env, opts), nil
}

// NewPlugin creates the plugin from decoded options.
func NewPlugin(t *tracker.Tracker, env plugin.Env, opts Options) *Plugin {
	opts.Common.Normalize()
	p := &Plugin{
		Base: plugin.NewBase(Name, UsageBit, t, env),
		opts: opts,
		page: env.Page,
	}
	p.Intercept(tracker.TaskBuild, p.interceptBuild)
	return p
}

func (p *Plugin) interceptBuild(next hit.Task) hit.Task {
	return func(m *hit.Model) error {
		if p.Active() {
			var cleaned hit.Fields
			err := hit.Recover(Name, func() {
				cleaned = p.CleanURLFields(m.GetString("page"), m.GetString("location"))
			})
			if err != nil {
				return err
			}
			m.SetAll(cleaned)
		}
		return next(m)
	}
}

func (p *Plugin) parse(raw string) *url.URL {
	return page.ParseURL(p.page, raw)
}

func (p *Plugin) queryDimension() string {
	return "dimension" + strconv.Itoa(p.opts.QueryDimensionIndex)
}

// CleanURLFields returns the cleaned page field for a hit with the given
// page and location, plus location and the query dimension when they apply.
func (p *Plugin) CleanURLFields(pageField, location string) hit.Fields {
	raw := pageField
	if raw == "" {
		raw = location
	}
	u := p.parse(raw)
	if u == nil {
		return hit.Fields{}
	}

	path := u.EscapedPath()
	if p.opts.IndexFilename != "" {
		parts := strings.Split(path, "/")
		if parts[len(parts)-1] == p.opts.IndexFilename {
			parts[len(parts)-1] = ""
			path = strings.Join(parts, "/")
		}
	}
	switch p.opts.TrailingSlash {
	case TrailingSlashRemove:
		path = strings.TrimRight(path, "/")
	case TrailingSlashAdd:
		if !fileExtension.MatchString(path) && !strings.HasSuffix(path, "/") {
			path += "/"
		}
	}

	query := ""
	if u.RawQuery != "" {
		query = "?" + u.RawQuery
	}
	if p.opts.StripQuery {
		query = p.whitelistedQuery(u.RawQuery)
	}

	cleaned := hit.Fields{"page": path + query}
	if location != "" {
		cleaned["location"] = location
	}
	withDimension := p.opts.StripQuery && p.opts.QueryDimensionIndex > 0
	if withDimension {
		dim := u.RawQuery
		if dim == "" {
			dim = NotSet
		}
		cleaned[p.queryDimension()] = dim
	}

	if p.opts.URLFieldsFilter == nil {
		return cleaned
	}
	user := p.opts.URLFieldsFilter(cleaned.Clone(), p.parse)
	keep := []string{"page", "location"}
	if withDimension {
		keep = append(keep, p.queryDimension())
	}
	out := hit.Fields{}
	for _, name := range keep {
		if v, ok := user[name]; ok && v != nil {
			out[name] = v
		}
	}
	return out
}

// whitelistedQuery keeps whitelisted parameters with a value, in their
// original order and encoding.
func (p *Plugin) whitelistedQuery(rawQuery string) string {
	if len(p.opts.QueryParamsWhitelist) == 0 || rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if value != "" && slices.Contains(p.opts.QueryParamsWhitelist, key) {
			kept = append(kept, key+"="+value)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return "?" + strings.Join(kept, "&")
}

var _ plugin.Plugin = (*Plugin)(nil)
