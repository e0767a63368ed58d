package tabq

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/jsonschema-go/jsonschema"
)

// configFileSchema describes the accepted shape of a JSON config file.
// Durations are nanoseconds, as encoded by encoding/json.
const configFileSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "port": {"type": "string"},
        "readTimeout": {"type": "integer", "minimum": 0},
        "shutdownTimeout": {"type": "integer", "minimum": 0},
        "maxBodyBytes": {"type": "integer", "minimum": 1}
      }
    },
    "scheduler": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "maxWorkers": {"type": "integer", "minimum": 1},
        "mailboxSize": {"type": "integer", "minimum": 1},
        "costPerStep": {"type": "integer", "minimum": 0},
        "rejectInvalidPlans": {"type": "boolean"}
      }
    },
    "duckdb": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "dbPath": {"type": "string"},
        "memoryLimitMB": {"type": "integer", "minimum": 0},
        "maxParallelism": {"type": "integer", "minimum": 0},
        "maxConnections": {"type": "integer", "minimum": 1},
        "queryTimeout": {"type": "integer", "minimum": 1},
        "extensions": {"type": "array", "items": {"type": "string"}},
        "enableParquet": {"type": "boolean"},
        "enableS3": {"type": "boolean"},
        "s3AccessKey": {"type": "string"},
        "s3SecretKey": {"type": "string"},
        "s3Region": {"type": "string"},
        "s3Endpoint": {"type": "string"}
      }
    },
    "output": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "inlineThresholdBytes": {"type": "integer", "minimum": 0},
        "spillDir": {"type": "string", "minLength": 1},
        "compressionLevel": {"type": "integer", "minimum": 0, "maximum": 4}
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "dir": {"type": "string"},
        "prometheus": {"type": "boolean"},
        "namespace": {"type": "string"},
        "timeout": {"type": "integer", "minimum": 0},
        "postgres": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "enabled": {"type": "boolean"},
            "host": {"type": "string"},
            "port": {"type": "integer", "minimum": 1, "maximum": 65535},
            "database": {"type": "string"},
            "username": {"type": "string"},
            "password": {"type": "string"},
            "sslMode": {"type": "string", "enum": ["disable", "allow", "prefer", "require", "verify-ca", "verify-full"]},
            "useIAM": {"type": "boolean"},
            "region": {"type": "string"},
            "table": {"type": "string"},
            "maxConnections": {"type": "integer", "minimum": 1},
            "timeout": {"type": "integer", "minimum": 0}
          }
        }
      }
    },
    "s3": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "bucket": {"type": "string"},
        "prefix": {"type": "string"},
        "region": {"type": "string"},
        "endpoint": {"type": "string"},
        "accessKey": {"type": "string"},
        "secretKey": {"type": "string"},
        "pathStyle": {"type": "boolean"}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "format": {"type": "string", "enum": ["json", "console"]},
        "logQueries": {"type": "boolean"},
        "slowQueryMs": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

// LoadConfigFile reads a JSON config file, validates it against the config
// schema and overlays it on DefaultConfig.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig validates and decodes a JSON config document.
func ParseConfig(data []byte) (*Config, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(configFileSchema), &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into jsonschema.Schema: %w", err)
	}

	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve JSON schema: %w", err)
	}

	if err := resolved.Validate(doc); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
