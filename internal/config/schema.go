package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON schema config files must satisfy before they are
// decoded. Durations may be Go duration strings or nanosecond integers.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": ["string", "integer"]}
  },
  "properties": {
    "tracking_id": {"type": "string"},
    "client_id": {"type": "string"},
    "data_dir": {"type": "string"},
    "storage": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "backend": {"enum": ["memory", "file", "sqlite"]},
        "path": {"type": "string"},
        "quota": {"type": "integer", "minimum": 0},
        "settle": {"$ref": "#/definitions/duration"},
        "poll_interval": {"$ref": "#/definitions/duration"}
      }
    },
    "transport": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "kind": {"enum": ["http", "log", "none"]},
        "endpoint": {"type": "string"},
        "user_agent": {"type": "string"},
        "timeout": {"$ref": "#/definitions/duration"},
        "retry_max": {"type": "integer", "minimum": 0},
        "rate_limit": {"type": "number", "minimum": 0},
        "rate_burst": {"type": "integer", "minimum": 0},
        "check_protocol": {"type": "boolean"}
      }
    },
    "browser": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "headless": {"type": "boolean"},
        "no_sandbox": {"type": "boolean"},
        "chrome_path": {"type": "string"},
        "control_url": {"type": "string"}
      }
    },
    "plugins": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "options": {"type": ["object", "null"]}
        }
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"enum": ["trace", "debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"},
        "audit_file": {"type": "string"}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "addr": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1},
        "file": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// ValidateDocument checks raw JSON against a schema and joins every
// violation into one error.
func ValidateDocument(schema gojsonschema.JSONLoader, data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
}
