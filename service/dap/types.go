package dap

import (
	"encoding/json"
	"errors"
	"fmt"
)

// LaunchConfig is the collection of launch request attributes this
// adapter recognizes.
type LaunchConfig struct {
	// Runtime executable to launch, e.g. a path to a browser binary. One
	// of Runtime or the Attach-mode fields must be set.
	Runtime string `json:"runtime,omitempty"`

	// RuntimeArgs are passed verbatim to the launched runtime, alongside
	// the remote-debugging flags this adapter adds itself.
	RuntimeArgs []string `json:"runtimeArgs,omitempty"`

	// URL is passed to the launched runtime as its last command-line
	// argument.
	URL string `json:"url,omitempty"`

	// File is loaded via a file:// URL instead of URL, for launching
	// against a local HTML file with no server.
	File string `json:"file,omitempty"`

	LaunchAttachCommonConfig
}

// AttachConfig is the collection of attach request attributes this
// adapter recognizes.
type AttachConfig struct {
	// Port the runtime's remote-debugging endpoint is already listening
	// on.
	Port int `json:"port,omitempty"`

	// Address the remote-debugging endpoint listens on. Defaults to
	// "localhost".
	Address string `json:"address,omitempty"`

	LaunchAttachCommonConfig
}

// LaunchAttachCommonConfig is the attributes common to both launch and
// attach requests.
type LaunchAttachCommonConfig struct {
	// StopOnEntry is accepted and stored, but the adapter does not act on
	// it: the runtime is not paused on entry.
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Local directory that BaseURL's document root maps to.
	WebRoot string `json:"webRoot,omitempty"`

	// Document base URL of the served content, e.g. "http://localhost:8080".
	BaseURL string `json:"baseURL,omitempty"`

	// Glob patterns ("**" allowed), each matched against a script's whole
	// path, for scripts to treat as library code: elided from stack
	// traces and blackboxed at the runtime.
	SkipFiles []string `json:"skipFiles,omitempty"`

	// Skip scripts that have no source map at all.
	SkipFilesWithNoMap bool `json:"skipFilesWithNoMap,omitempty"`

	// Maximum depth of a stack trace returned from a single
	// `stackTrace` request.
	StackTraceDepth int `json:"stackTraceDepth,omitempty"`

	// An array of mappings from a script URL prefix (runtime) to a local
	// path (client); a non-empty list replaces the built-in webpack rules.
	SourceMapPathOverrides []SourceMapPathOverride `json:"sourceMapPathOverrides,omitempty"`

	// Remote marks the runtime as not on local loopback: fetched
	// authored source content is content-hash-checked before being
	// trusted.
	Remote bool `json:"remote,omitempty"`
}

// SourceMapPathOverride defines one sourceMapPathOverrides rule.
type SourceMapPathOverride struct {
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
}

func (m *SourceMapPathOverride) UnmarshalJSON(data []byte) error {
	type tmpType SourceMapPathOverride
	var tmp tmpType
	if err := json.Unmarshal(data, &tmp); err != nil {
		if _, ok := err.(*json.UnmarshalTypeError); ok {
			return fmt.Errorf(`cannot use %s as 'sourceMapPathOverrides' entry of type {"pattern":string, "replacement":string}`, data)
		}
		return err
	}
	if tmp.Pattern == "" || tmp.Replacement == "" {
		return errors.New("'sourceMapPathOverrides' entry requires both 'pattern' and 'replacement'")
	}
	*m = SourceMapPathOverride(tmp)
	return nil
}

// unmarshalLaunchAttachArgs decodes a launch/attach request's arguments
// attribute (already type-asserted to a map by the caller) through
// mapToStruct.
func unmarshalLaunchAttachArgs(args map[string]interface{}, config interface{}) error {
	return mapToStruct(args, config)
}
