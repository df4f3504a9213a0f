package tracker

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Measurement Protocol parameter names for the fields the plugins set.
var paramNames = map[string]string{
	"trackingId":     "tid",
	"clientId":       "cid",
	"userId":         "uid",
	"hitType":        "t",
	"location":       "dl",
	"hostname":       "dh",
	"page":           "dp",
	"title":          "dt",
	"referrer":       "dr",
	"eventCategory":  "ec",
	"eventAction":    "ea",
	"eventLabel":     "el",
	"eventValue":     "ev",
	"nonInteraction": "ni",
	"socialNetwork":  "sn",
	"socialAction":   "sa",
	"socialTarget":   "st",
	"sessionControl": "sc",
	"dataSource":     "ds",
	"queueTime":      "qt",
	"_au":            "_au",
}

var customField = regexp.MustCompile(`^(dimension|metric)([1-9][0-9]{0,2})$`)

// encodePayload turns hit fields into a Measurement Protocol query string.
// Fields with no parameter mapping are left out.
func encodePayload(fields map[string]any) string {
	v := url.Values{}
	v.Set("v", "1")
	for name, value := range fields {
		param, ok := paramNames[name]
		if !ok {
			m := customField.FindStringSubmatch(name)
			if m == nil {
				continue
			}
			prefix := "cd"
			if m[1] == "metric" {
				prefix = "cm"
			}
			param = prefix + m[2]
		}
		s, ok := formatValue(name, value)
		if !ok {
			continue
		}
		v.Set(param, s)
	}
	return v.Encode()
}

func formatValue(name string, value any) (string, bool) {
	switch x := value.(type) {
	case nil:
		return "", false
	case string:
		if name == "eventValue" {
			return strings.TrimSpace(x), x != ""
		}
		return x, true
	case bool:
		if name == "nonInteraction" {
			if x {
				return "1", true
			}
			return "0", true
		}
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		if name == "eventValue" {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case fmt.Stringer:
		return x.String(), true
	}
	// Functions and other non-primitive values never go on the wire.
	return "", false
}
