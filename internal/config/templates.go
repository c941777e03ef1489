package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file of kind ("process" or "node") in format.
// Node files are TOML only.
func Template(kind string, format Format) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "process":
		switch format {
		case FormatTOML:
			return processTemplateTOML, nil
		case FormatYAML:
			return processTemplateYAML, nil
		case FormatJSON:
			return processTemplateJSON, nil
		}
	case "node":
		if format == FormatTOML {
			return nodeTemplate, nil
		}
		return "", fmt.Errorf("node config must be toml, not %s", format)
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	return "", fmt.Errorf("config format unsupported: %s", format)
}

// WriteTemplate writes the template for kind in the format implied by the
// extension of path.
func WriteTemplate(path, kind string, overwrite bool) error {
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	template, err := Template(kind, format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const processTemplateTOML = `[chirp]
connect = "localhost:10000"
timeout = 3000
location = "/Process"
identification = "chirp-process"

[logging]
stdout_level = "info"

[logging.logger_specific_level]
supervisor = "debug"
`

const processTemplateYAML = `chirp:
  connect: localhost:10000
  timeout: 3000
  location: /Process
  identification: chirp-process
logging:
  stdout_level: info
  logger_specific_level:
    supervisor: debug
`

const processTemplateJSON = `{
  "chirp": {
    "connect": "localhost:10000",
    "timeout": 3000,
    "location": "/Process",
    "identification": "chirp-process"
  },
  "logging": {
    "stdout_level": "info",
    "logger_specific_level": {
      "supervisor": "debug"
    }
  }
}
`

const nodeTemplate = `address = "0.0.0.0"
port = 10000
identification = "chirpnode"
timeout = "3s"
log_level = "info"
`
