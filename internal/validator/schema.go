package validator

const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "config.json",
  "title": "Workflow configuration",
  "type": "object",
  "required": ["inputs"],
  "additionalProperties": false,
  "properties": {
    "inputs": {
      "type": "object",
      "required": ["forward_reads", "reverse_reads", "metadata", "classifier"],
      "additionalProperties": false,
      "properties": {
        "forward_reads": { "$ref": "#/$defs/path" },
        "reverse_reads": { "$ref": "#/$defs/path" },
        "metadata": { "$ref": "#/$defs/path" },
        "classifier": { "$ref": "#/$defs/path" },
        "barcode_column": { "type": "string", "minLength": 1 }
      }
    },
    "params": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "trim_left_forward": { "type": "integer", "minimum": 0 },
        "trim_left_reverse": { "type": "integer", "minimum": 0 },
        "trunc_len_forward": { "type": "integer", "minimum": 0 },
        "trunc_len_reverse": { "type": "integer", "minimum": 0 },
        "taxonomic_levels": {
          "type": "array",
          "minItems": 1,
          "uniqueItems": true,
          "items": { "type": "integer", "minimum": 1, "maximum": 7 }
        },
        "exclude_taxa": {
          "type": "array",
          "items": { "type": "string", "pattern": "^[^,]+$" }
        },
        "error_rate": { "type": "number", "minimum": 0, "exclusiveMaximum": 1 },
        "min_overlap": { "type": "integer", "minimum": 0 },
        "threads": { "type": "integer", "minimum": 0 }
      }
    },
    "tools": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "cutadapt": { "$ref": "#/$defs/tool" },
        "qiime": { "$ref": "#/$defs/tool" },
        "biom": { "$ref": "#/$defs/tool" },
        "self": { "$ref": "#/$defs/tool" }
      }
    },
    "store": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "type": { "enum": ["sqlite", "memory", "redis"] },
        "path": { "type": "string" },
        "redis_url": { "type": "string", "pattern": "^rediss?://" },
        "redis_password": { "type": "string" },
        "redis_db": { "type": "integer", "minimum": 0 },
        "ttl": { "$ref": "#/$defs/duration" },
        "event_max_len": { "type": "integer", "minimum": 1 }
      }
    },
    "runner": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "stage_timeout": { "$ref": "#/$defs/duration" },
        "output_limit": { "type": "integer", "minimum": 0 },
        "env": { "type": "object", "additionalProperties": { "type": "string" } },
        "env_passthrough": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "log_lines_per_second": { "type": "number", "minimum": 0 },
        "log_burst": { "type": "integer", "minimum": 0 },
        "skip_integrity_check": { "type": "boolean" }
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": { "enum": ["debug", "info", "warn", "error"] },
        "format": { "enum": ["text", "json"] }
      }
    },
    "server": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "addr": { "type": "string", "minLength": 1 },
        "read_timeout": { "$ref": "#/$defs/duration" },
        "write_timeout": { "$ref": "#/$defs/duration" },
        "shutdown_grace": { "$ref": "#/$defs/duration" },
        "allowed_origins": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        }
      }
    },
    "telemetry": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "tracing_enabled": { "type": "boolean" },
        "otlp_endpoint": { "type": "string" },
        "sample_rate": { "type": "number", "minimum": 0, "maximum": 1 },
        "pushgateway_url": { "type": "string" }
      }
    },
    "publish": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "backend": { "enum": ["local", "s3"] },
        "dir": { "type": "string" },
        "bucket": { "type": "string" },
        "prefix": { "type": "string" },
        "region": { "type": "string" },
        "endpoint": { "type": "string" },
        "use_path_style": { "type": "boolean" }
      },
      "allOf": [
        {
          "if": { "properties": { "backend": { "const": "s3" } }, "required": ["backend"] },
          "then": { "required": ["bucket"] }
        }
      ]
    }
  },
  "$defs": {
    "path": { "type": "string", "minLength": 1 },
    "duration": {
      "type": "string",
      "pattern": "^(0|([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)$"
    },
    "tool": {
      "type": "object",
      "required": ["path"],
      "additionalProperties": false,
      "properties": {
        "path": { "type": "string", "minLength": 1 },
        "version": { "type": "string" }
      }
    }
  }
}`

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "plan.json",
  "title": "Stored plan",
  "type": "object",
  "required": ["stages"],
  "properties": {
    "stages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "command"],
        "properties": {
          "name": { "type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$" },
          "command": {
            "type": "array",
            "minItems": 1,
            "items": { "type": "string" }
          },
          "inputs": { "type": "array", "items": { "type": "string" } },
          "outputs": { "type": "array", "items": { "type": "string" } }
        }
      }
    }
  }
}`
