package plugin

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/harun/autotrack/pkg/hit"
	"github.com/harun/autotrack/pkg/page"
)

// DefaultAttributePrefix marks element attributes that carry hit fields.
const DefaultAttributePrefix = "ga-"

// Common holds the options every plugin accepts. Embed it with
// `mapstructure:",squash"`.
type Common struct {
	// FieldsObj is applied to every hit the plugin sends.
	FieldsObj hit.Fields `json:"fieldsObj" mapstructure:"fieldsObj"`
	// HitFilter may edit or cancel each hit.
	HitFilter hit.Filter `json:"-" mapstructure:"hitFilter"`
	// AttributePrefix selects element attributes read as hit fields.
	AttributePrefix string `json:"attributePrefix" mapstructure:"attributePrefix"`
}

// Normalize fills defaults.
func (c *Common) Normalize() {
	if c.AttributePrefix == "" {
		c.AttributePrefix = DefaultAttributePrefix
	}
}

// Compose builds the fields for one hit: defaults, then FieldsObj, then
// extra (usually attribute fields), filtered by HitFilter.
func (c Common) Compose(defaults hit.Fields, extra hit.Fields, fc hit.FilterContext) hit.Fields {
	return hit.Compose(defaults, c.FieldsObj.Merge(extra), c.HitFilter, fc)
}

// Minutes is a duration option given as a number of minutes. Strings are
// parsed as Go durations ("45m"), or as minutes when they hold a number.
type Minutes time.Duration

func (m Minutes) Duration() time.Duration {
	return time.Duration(m)
}

// OptionError reports one option that could not be decoded.
type OptionError struct {
	Key string
	Err error
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("option %q: %v", e.Key, e.Err)
}

func (e *OptionError) Unwrap() error {
	return e.Err
}

// DecodeOptions decodes raw options into out, a pointer to an options
// struct. Durations may be given as strings ("500ms") or as numbers of
// milliseconds, Minutes as numbers of minutes, and callbacks as plain
// func literals. Extra hooks run after the built-in ones.
//
// Each key is decoded on its own. A key that does not decode leaves its
// field unchanged and is reported as an *OptionError in the joined
// result; the other keys still apply.
func DecodeOptions(in map[string]any, out any, hooks ...mapstructure.DecodeHookFunc) error {
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() || target.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("options target must be a pointer to a struct, got %T", out)
	}

	var errs []error
	for _, key := range slices.Sorted(maps.Keys(in)) {
		trial := reflect.New(target.Elem().Type())
		trial.Elem().Set(target.Elem())
		if err := decode(map[string]any{key: in[key]}, trial.Interface(), hooks); err != nil {
			errs = append(errs, &OptionError{Key: key, Err: err})
			continue
		}
		target.Elem().Set(trial.Elem())
	}
	return errors.Join(errs...)
}

// LoadOptions is DecodeOptions for plugin constructors: options that do
// not decode are logged and keep their defaults. Only a bad target is an
// error.
func LoadOptions(env Env, name string, in map[string]any, out any, hooks ...mapstructure.DecodeHookFunc) error {
	err := DecodeOptions(in, out, hooks...)
	if err == nil {
		return nil
	}
	var (
		oe     *OptionError
		joined interface{ Unwrap() []error }
	)
	parts := []error{err}
	if errors.As(err, &joined) {
		parts = joined.Unwrap()
	}
	for _, part := range parts {
		if !errors.As(part, &oe) {
			return err
		}
		env.Logger.Warn().Str("plugin", name).Str("option", oe.Key).Err(oe.Err).Msg("Ignoring invalid option")
	}
	return nil
}

func decode(in map[string]any, out any, hooks []mapstructure.DecodeHookFunc) error {
	all := []mapstructure.DecodeHookFunc{
		numberToMinutes,
		numberToMilliseconds,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		convertFunc,
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(append(all, hooks...)...),
	})
	if err != nil {
		return fmt.Errorf("failed to create options decoder: %w", err)
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	minutesType  = reflect.TypeOf(Minutes(0))
)

func number(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}

// numberToMinutes fills a Minutes field from a number or a string.
func numberToMinutes(from, to reflect.Type, data any) (any, error) {
	if to != minutesType || from == minutesType {
		return data, nil
	}
	if s, ok := data.(string); ok {
		s = strings.TrimSpace(s)
		if d, err := time.ParseDuration(s); err == nil {
			return Minutes(d), nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid minutes %q", s)
		}
		return Minutes(n * float64(time.Minute)), nil
	}
	if n, ok := number(reflect.ValueOf(data)); ok {
		return Minutes(n * float64(time.Minute)), nil
	}
	return data, nil
}

// numberToMilliseconds reads a plain number for a time.Duration field as
// milliseconds.
func numberToMilliseconds(from, to reflect.Type, data any) (any, error) {
	if to != durationType || from == durationType {
		return data, nil
	}
	if n, ok := number(reflect.ValueOf(data)); ok {
		return time.Duration(n * float64(time.Millisecond)), nil
	}
	return data, nil
}

// convertFunc lets an unnamed func literal fill a named func field, such
// as a func(*hit.Model, hit.FilterContext) error for a hit.Filter.
func convertFunc(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Func || to.Kind() != reflect.Func || from == to {
		return data, nil
	}
	if !from.ConvertibleTo(to) {
		return data, nil
	}
	return reflect.ValueOf(data).Convert(to).Interface(), nil
}

// AttributeFields reads hit fields from el's attributes that start with
// prefix. Names are converted from kebab-case to camelCase, so
// ga-event-category becomes eventCategory.
func AttributeFields(el page.Element, prefix string) hit.Fields {
	fields := hit.Fields{}
	if el == nil || prefix == "" {
		return fields
	}
	for name, value := range el.Attrs() {
		if !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		fields[CamelCase(name[len(prefix):])] = value
	}
	return fields
}

// CamelCase converts a kebab-case name to camelCase.
func CamelCase(s string) string {
	parts := strings.Split(s, "-")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]) + p[1:])
	}
	return b.String()
}
