// Package config loads and validates the set of service and template
// declarations whaleinit supervises, merging the optional global file
// with every *.toml file in the service directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// ErrorKind classifies why the config loader gave up, matching the
// exit-code table's ConfigError row.
type ErrorKind int

const (
	ErrReadDir ErrorKind = iota
	ErrParse
	ErrSchema
	ErrDuplicateTitle
	ErrNoServices
)

func (k ErrorKind) String() string {
	switch k {
	case ErrReadDir:
		return "read-dir"
	case ErrParse:
		return "parse"
	case ErrSchema:
		return "schema"
	case ErrDuplicateTitle:
		return "duplicate-title"
	case ErrNoServices:
		return "no-services"
	default:
		return "unknown"
	}
}

// Error is the error type the loader returns: every failure carries a
// Kind (for exit-code selection); where they apply it also carries the
// offending path (the duplicated title, for ErrDuplicateTitle) and the
// wrapped cause. ErrNoServices carries neither.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %s", e.Kind)
	}
	if e.Err == nil {
		return fmt.Sprintf("config: %s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("config: %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultStopTimeout is applied to any ServiceSpec that does not set
// stop_timeout_ms.
const DefaultStopTimeout = 10 * time.Second

// ServiceSpec is an immutable-after-load service declaration. It is
// returned as a *ServiceSpec from Load so the template engine can
// rewrite Exec/Args/Env once, in place, before startup freezes it.
type ServiceSpec struct {
	Title       string
	Exec        string
	Args        []string
	Essential   bool
	Env         map[string]string
	PreHook     string
	StopTimeout time.Duration
}

// TemplateSpec is a single [[templates]] entry: both Src and Dest are
// themselves subject to template rendering before the file is read.
type TemplateSpec struct {
	Src  string
	Dest string
}

// Config is the merged, order-preserving result of every discovered
// TOML file.
type Config struct {
	Services  []*ServiceSpec
	Templates []*TemplateSpec
}

// rawService mirrors the service TOML schema.
type rawService struct {
	Title         string            `toml:"title"`
	Exec          string            `toml:"exec"`
	Args          []string          `toml:"args"`
	Essential     bool              `toml:"essential"`
	Env           map[string]string `toml:"env"`
	PreHook       string            `toml:"pre_hook"`
	StopTimeoutMs int               `toml:"stop_timeout_ms"`
}

type rawTemplate struct {
	Src  string `toml:"src"`
	Dest string `toml:"dest"`
}

// rawFile accepts both declaration shapes a TOML file may use: a
// single service's fields at the top level, or a [[services]] array.
// Both sets of struct tags can coexist in one decode pass because a
// file only ever populates one of them.
type rawFile struct {
	rawService
	Services  []rawService  `toml:"services"`
	Templates []rawTemplate `toml:"templates"`
}

// Load reads globalPath (if it exists) followed by every *.toml file
// in dir, lexicographically, and merges the result into one Config.
// globalPath may be empty to skip the global file entirely.
func Load(globalPath, dir string) (*Config, error) {
	cfg := &Config{}

	if globalPath != "" {
		if _, err := os.Stat(globalPath); err == nil {
			if err := loadFile(globalPath, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, &Error{Kind: ErrReadDir, Path: globalPath, Err: err}
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &Error{Kind: ErrReadDir, Path: dir, Err: err}
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if err := loadFile(filepath.Join(dir, name), cfg); err != nil {
			return nil, err
		}
	}

	if len(cfg.Services) == 0 {
		return nil, &Error{Kind: ErrNoServices}
	}

	seen := make(map[string]bool, len(cfg.Services))
	for _, s := range cfg.Services {
		if seen[s.Title] {
			return nil, &Error{Kind: ErrDuplicateTitle, Path: s.Title}
		}
		seen[s.Title] = true
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Kind: ErrReadDir, Path: path, Err: err}
	}

	var raw rawFile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return &Error{Kind: ErrParse, Path: path, Err: err}
	}

	services := raw.Services
	top := raw.rawService
	if len(services) == 0 && (top.Title != "" || top.Exec != "" || len(top.Args) > 0 || top.Essential ||
		len(top.Env) > 0 || top.PreHook != "" || top.StopTimeoutMs != 0) {
		services = []rawService{top}
	}

	for _, rs := range services {
		spec, err := validateService(rs, path)
		if err != nil {
			return err
		}
		cfg.Services = append(cfg.Services, spec)
	}

	for _, rt := range raw.Templates {
		if rt.Src == "" || rt.Dest == "" {
			return &Error{Kind: ErrSchema, Path: path, Err: errors.New("template entries require both src and dest")}
		}
		cfg.Templates = append(cfg.Templates, &TemplateSpec{Src: rt.Src, Dest: rt.Dest})
	}

	return nil
}

func validateService(rs rawService, path string) (*ServiceSpec, error) {
	if rs.Title == "" {
		return nil, &Error{Kind: ErrSchema, Path: path, Err: errors.New("service is missing required field: title")}
	}
	if rs.Exec == "" {
		return nil, &Error{Kind: ErrSchema, Path: path, Err: errors.Errorf("service %q is missing required field: exec", rs.Title)}
	}
	if !filepath.IsAbs(rs.Exec) {
		return nil, &Error{Kind: ErrSchema, Path: path, Err: errors.Errorf("service %q: exec must be an absolute path, got %q", rs.Title, rs.Exec)}
	}
	if rs.PreHook != "" && !filepath.IsAbs(rs.PreHook) {
		return nil, &Error{Kind: ErrSchema, Path: path, Err: errors.Errorf("service %q: pre_hook must be an absolute path, got %q", rs.Title, rs.PreHook)}
	}

	timeout := DefaultStopTimeout
	if rs.StopTimeoutMs > 0 {
		timeout = time.Duration(rs.StopTimeoutMs) * time.Millisecond
	}

	return &ServiceSpec{
		Title:       rs.Title,
		Exec:        rs.Exec,
		Args:        append([]string(nil), rs.Args...),
		Essential:   rs.Essential,
		Env:         rs.Env,
		PreHook:     rs.PreHook,
		StopTimeout: timeout,
	}, nil
}
