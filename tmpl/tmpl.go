// Package tmpl renders Liquid-syntax templates against a single
// environment snapshot: one root scope named "env", built once from
// os.Environ() and never re-read.
package tmpl

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/osteele/liquid"
	"github.com/pkg/errors"

	"github.com/whaleinit/whaleinit/config"
)

// ErrorKind classifies why a template failed to render.
type ErrorKind int

const (
	ErrParse ErrorKind = iota
	ErrRead
	ErrWrite
)

func (k ErrorKind) String() string {
	switch k {
	case ErrParse:
		return "parse"
	case ErrRead:
		return "read"
	case ErrWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Error is a template rendering failure.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template: %s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultFileMode is used for a freshly created destination whose
// source's mode could not be determined.
const DefaultFileMode = fs.FileMode(0644)

// Context holds the captured environment and the Liquid engine used
// to render both inline strings and whole files. It is built once
// during startup, before any service is spawned.
type Context struct {
	engine   *liquid.Engine
	bindings liquid.Bindings
}

// NewContext snapshots the current process environment. The snapshot
// is never refreshed; templates rendered later in the process's life
// still see the environment as of this call.
func NewContext() *Context {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	return &Context{
		engine:   liquid.NewEngine(),
		bindings: liquid.Bindings{"env": env},
	}
}

// Render evaluates a single Liquid source string against the captured
// environment. A reference to a missing env.X key renders as an empty
// string rather than failing; only a syntactically invalid template
// returns an error.
func (c *Context) Render(src string) (string, error) {
	// The Liquid engine passes an unterminated "{{" or "{%" through as
	// literal text, so reject those here as parse errors.
	for _, d := range [][2]string{{"{{", "}}"}, {"{%", "%}"}} {
		rest := src
		for i := strings.Index(rest, d[0]); i >= 0; i = strings.Index(rest, d[0]) {
			j := strings.Index(rest[i+len(d[0]):], d[1])
			if j < 0 {
				return "", &Error{Kind: ErrParse, Path: "<inline>", Err: errors.Errorf("unterminated %q tag", d[0])}
			}
			rest = rest[i+len(d[0])+j+len(d[1]):]
		}
	}

	out, err := c.engine.ParseAndRenderString(src, c.bindings)
	if err != nil {
		return "", &Error{Kind: ErrParse, Path: "<inline>", Err: err}
	}
	return out, nil
}

// RenderService rewrites a ServiceSpec's Exec, Args, and Env values in
// place. This is the "inline" rendering mode: it runs once during
// config load, before the ServiceSpec is treated as immutable.
func (c *Context) RenderService(spec *config.ServiceSpec) error {
	rendered, err := c.Render(spec.Exec)
	if err != nil {
		return err
	}
	spec.Exec = rendered

	for i, arg := range spec.Args {
		rendered, err := c.Render(arg)
		if err != nil {
			return err
		}
		spec.Args[i] = rendered
	}

	for k, v := range spec.Env {
		rendered, err := c.Render(v)
		if err != nil {
			return err
		}
		spec.Env[k] = rendered
	}

	if spec.PreHook != "" {
		rendered, err := c.Render(spec.PreHook)
		if err != nil {
			return err
		}
		spec.PreHook = rendered
	}

	return nil
}

// RenderFile implements the "file" rendering mode: src and dest are
// rendered as strings first, the file at the rendered source path is
// read and rendered, then written atomically to the rendered
// destination (temp file, fsync, rename). Mode is preserved from an
// existing destination; for a destination that does not yet exist, the
// source's mode is carried over, falling back to 0644. Ownership is
// always carried over from the source file.
func (c *Context) RenderFile(spec *config.TemplateSpec) error {
	src, err := c.Render(spec.Src)
	if err != nil {
		return err
	}
	dest, err := c.Render(spec.Dest)
	if err != nil {
		return err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return &Error{Kind: ErrRead, Path: src, Err: err}
	}

	raw, err := os.ReadFile(src)
	if err != nil {
		return &Error{Kind: ErrRead, Path: src, Err: err}
	}

	content, err := c.Render(string(raw))
	if err != nil {
		return &Error{Kind: ErrParse, Path: src, Err: err}
	}

	mode := srcInfo.Mode().Perm()
	if destInfo, err := os.Stat(dest); err == nil {
		mode = destInfo.Mode().Perm()
	} else if !os.IsNotExist(err) {
		return &Error{Kind: ErrWrite, Path: dest, Err: err}
	}
	if mode == 0 {
		mode = DefaultFileMode
	}

	if err := writeAtomic(dest, []byte(content), mode); err != nil {
		return &Error{Kind: ErrWrite, Path: dest, Err: err}
	}

	if st, ok := srcInfo.Sys().(*syscall.Stat_t); ok {
		if err := os.Chown(dest, int(st.Uid), int(st.Gid)); err != nil {
			return &Error{Kind: ErrWrite, Path: dest, Err: err}
		}
	}

	return nil
}

func writeAtomic(dest string, data []byte, mode fs.FileMode) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating parent directory for %s", dest)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tmpPath := tmp.Name()

	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp file")
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return errors.Wrap(err, "chmod temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp file")
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return errors.Wrap(err, "renaming temp file into place")
	}
	cleanup = false

	return nil
}
