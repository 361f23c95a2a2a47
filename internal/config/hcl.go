package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

// File mirrors the attributes accepted in a --config file. Every attribute
// is optional; nil means "not set in the file".
//
//	port         = 8080
//	mdns         = true
//	root         = "${env.HOME}/public"
//	idle_timeout = "5s"
type File struct {
	Host        *string `hcl:"host,optional"`
	Port        *string `hcl:"port,optional"`
	MDNS        *bool   `hcl:"mdns,optional"`
	Root        *string `hcl:"root,optional"`
	IdleTimeout *string `hcl:"idle_timeout,optional"`
	ShowHidden  *bool   `hcl:"show_hidden,optional"`
	MetricsAddr *string `hcl:"metrics_addr,optional"`
	LogLevel    *string `hcl:"log_level,optional"`
	LogJSON     *bool   `hcl:"log_json,optional"`
	ServiceName *string `hcl:"service_name,optional"`
}

// LoadFile reads and decodes an HCL (or HCL JSON) config file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadFileFromBytes(path, data)
}

// LoadFileFromBytes decodes config file contents. The file name selects
// between native HCL and JSON syntax; anything not ending in .json is HCL.
func LoadFileFromBytes(filename string, data []byte) (*File, error) {
	name := filename
	switch filepath.Ext(name) {
	case ".hcl", ".json":
	default:
		name += ".hcl"
	}

	var f File
	if err := hclsimple.Decode(name, data, evalContext(), &f); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &f, nil
}

// evalContext exposes the process environment as the env object.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

// apply copies every attribute set in the file onto cfg.
func (f *File) apply(cfg *Config) error {
	if f.Host != nil {
		cfg.Host = *f.Host
	}
	if f.Port != nil {
		port, err := ParsePort(*f.Port)
		if err != nil {
			return err
		}
		cfg.Port = port
	}
	if f.MDNS != nil {
		cfg.MDNS = *f.MDNS
	}
	if f.Root != nil {
		cfg.Root = *f.Root
	}
	if f.IdleTimeout != nil {
		d, err := time.ParseDuration(*f.IdleTimeout)
		if err != nil {
			return fmt.Errorf("invalid idle_timeout %q: %w", *f.IdleTimeout, err)
		}
		cfg.IdleTimeout = d
	}
	if f.ShowHidden != nil {
		cfg.ShowHidden = *f.ShowHidden
	}
	if f.MetricsAddr != nil {
		cfg.MetricsAddr = *f.MetricsAddr
	}
	if f.LogLevel != nil {
		cfg.LogLevel = *f.LogLevel
	}
	if f.LogJSON != nil {
		cfg.LogJSON = *f.LogJSON
	}
	if f.ServiceName != nil {
		cfg.ServiceName = *f.ServiceName
	}
	return nil
}
