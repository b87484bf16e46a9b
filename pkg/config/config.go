// Package config loads the adapter's persistent, file-based defaults:
// the same sourceMapPathOverrides/skipFiles/webRoot attributes a DAP
// client can send on a per-session launch/attach request, but sourced
// from disk so a CLI user doesn't have to repeat them in every editor
// configuration.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".jsdap"
	configFile string = "config.yml"
)

// SubstitutePathRule describes one sourceMapPathOverrides-style rule:
// a script URL prefix and the local path it maps to.
type SubstitutePathRule struct {
	// From is matched as a prefix of a script's URL.
	From string
	// To is substituted in place of the matched prefix.
	To string
}

// Config defines the session defaults loadable from config.yml.
type Config struct {
	// WebRoot is used when a launch/attach request omits its own.
	WebRoot string `yaml:"web-root"`
	// BaseURL is used when a launch/attach request omits its own.
	BaseURL string `yaml:"base-url"`
	// SkipFiles are glob patterns for library code to elide from stack
	// traces, applied when a request supplies none of its own.
	SkipFiles []string `yaml:"skip-files"`
	// SkipFilesWithNoMap skips scripts with no source map at all.
	SkipFilesWithNoMap bool `yaml:"skip-files-with-no-map"`
	// StackTraceDepth bounds a single `stackTrace` request's materialized
	// frame count when a request doesn't specify its own.
	StackTraceDepth int `yaml:"stack-trace-depth"`
	// SourceMapPathOverrides are path-substitution rules; a non-empty
	// list replaces the resolver's built-in webpack rule set.
	SourceMapPathOverrides []SubstitutePathRule `yaml:"source-map-path-overrides"`
}

// LoadConfig attempts to populate a Config object from ~/.jsdap/config.yml,
// creating a commented-out default file on first run. Any error loading
// or decoding the file falls back to a zero-value Config rather than
// failing the adapter's startup.
func LoadConfig() *Config {
	if err := createConfigPath(); err != nil {
		fmt.Printf("Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v\n", err)
			return &Config{}
		}
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Printf("Closing config file failed: %v.\n", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)
		return &Config{}
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return &Config{}
	}
	return &c
}

// SaveConfig marshals and saves conf to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the debug adapter.

# This is the default configuration file. Available options are provided,
# but disabled. Delete the leading hash mark to enable an item.

# Local directory a launch/attach request's webRoot defaults to when it
# doesn't specify one.
# web-root: /path/to/project

# Document base URL a launch/attach request's baseURL defaults to.
# base-url: http://localhost:8080

# Glob patterns, each matched against a script's whole path, for scripts
# to treat as library code when a request doesn't specify its own skipFiles.
skip-files:
  # - "**/node_modules/**"

# skip-files-with-no-map: false

# stack-trace-depth: 50

# sourceMapPathOverrides rules, applied when a request specifies none;
# a non-empty list replaces the built-in webpack rule set.
source-map-path-overrides:
  # - {from: "webpack:///./src/", to: path}
`)
	return err
}

// createConfigPath creates the directory structure at which all config
// files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
