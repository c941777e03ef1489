package main

import (
	"fmt"
	"os"

	"github.com/danmuck/chirp/internal/config"
	"github.com/danmuck/chirp/internal/process"
	"github.com/spf13/pflag"
)

func main() {
	msg, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(msg)
}

func run(args []string) (string, error) {
	fs := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kind := fs.String("kind", "process", "config kind: process|node")
	output := fs.StringP("output", "o", "", "output path for config template (extension picks the format)")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.String("input", "", "config path for validation (defaults to the per-kind path)")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}

	if *validate {
		path := *input
		if path == "" {
			var err error
			if path, err = defaultPath(*kind); err != nil {
				return "", err
			}
		}
		switch *kind {
		case "process":
			if _, err := process.LoadSettings(process.Flags{ConfigFiles: []string{path}}); err != nil {
				return "", err
			}
		case "node":
			cfg, err := config.LoadNodeConfig(path)
			if err != nil {
				return "", err
			}
			if err := config.ValidateNodeConfig(cfg); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("Validated %s config at %s", *kind, path), nil
	}

	target := *output
	if target == "" {
		var err error
		if target, err = defaultPath(*kind); err != nil {
			return "", err
		}
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return "", err
	}
	return fmt.Sprintf("Wrote %s config template to %s", *kind, target), nil
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "process":
		return "cmd/chirpecho/config.toml", nil
	case "node":
		return "cmd/chirpnode/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}
