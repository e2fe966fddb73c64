// Mango uses flags and a single config file for configuration.
// The config file is a flat YAML mapping from flag name to value; it contains the values that
// can be set via flags, and flags passed on the command line take effect first.

package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

var configFilePath = flag.String("config_file", "config.yaml", "Path to the configuration file.")

// setConfigFlags applies a flat flag-name -> value mapping onto the registered flags.
func setConfigFlags(conf map[string]any) error {
	for name, value := range conf {
		if flag.Lookup(name) == nil {
			return fmt.Errorf("config file sets unknown flag %q", name)
		}
		if err := flag.Set(name, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("failed to set flag %q: %w", name, err)
		}
	}
	return nil
}

// InitFlags initializes the flags from the config file specified by the -config_file flag.
// It should be called after defining all flags and before using them. A missing config file is
// not an error; the default flag values are used instead.
func InitFlags() {
	flag.Parse()

	if *configFilePath == "" {
		slog.Info("Config file not specified. Skipping config initialization.")
		return
	}

	// Read config file.
	configFile, err := os.Open(*configFilePath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file does not exist.", "path", *configFilePath, "error", err)
		return
	}
	if err != nil { // If the config file cannot be opened, we skip loading and use default flag values.
		slog.Error("Failed to open config file.", "error", err)
		return
	}
	configBytes, err := io.ReadAll(configFile)
	if err != nil {
		slog.Error("Failed to read config file.", "error", err)
		return
	}
	_ = configFile.Close()

	// Apply configurations.
	conf := make(map[string]any)
	if err := yaml.Unmarshal(configBytes, &conf); err != nil {
		slog.Error("Failed to parse config file.", "error", err)
		return
	}
	if err := setConfigFlags(conf); err != nil {
		slog.Error("Failed to set flags from config file.", "error", err)
		return
	}
}
