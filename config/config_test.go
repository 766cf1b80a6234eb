package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func TestLoadSingleServiceShape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "web.toml", `
title = "web"
exec = "/usr/bin/web"
args = ["--port", "8080"]
`)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Len(t, cfg.Services, 1)
	require.Equal(t, "web", cfg.Services[0].Title)
	require.Equal(t, []string{"--port", "8080"}, cfg.Services[0].Args)
	require.Equal(t, DefaultStopTimeout, cfg.Services[0].StopTimeout)
}

func TestLoadArrayShape(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "all.toml", `
[[services]]
title = "a"
exec = "/bin/a"

[[services]]
title = "b"
exec = "/bin/b"
essential = true
stop_timeout_ms = 500
`)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Len(t, cfg.Services, 2)
	require.Equal(t, "a", cfg.Services[0].Title)
	require.Equal(t, "b", cfg.Services[1].Title)
	require.True(t, cfg.Services[1].Essential)
	require.Equal(t, 500*1e6, float64(cfg.Services[1].StopTimeout))
}

func TestLoadDiscoveryOrderIsLexicographic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.toml", `title = "b"
exec = "/bin/b"`)
	writeFile(t, dir, "a.toml", `title = "a"
exec = "/bin/a"`)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, []string{cfg.Services[0].Title, cfg.Services[1].Title})
}

func TestLoadGlobalFileReadFirst(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.toml")
	require.NoError(t, os.WriteFile(global, []byte(`
[[services]]
title = "from-global"
exec = "/bin/g"
`), 0644))

	svcDir := t.TempDir()
	writeFile(t, svcDir, "local.toml", `title = "from-local"
exec = "/bin/l"`)

	cfg, err := Load(global, svcDir)
	require.NoError(t, err)
	require.Equal(t, []string{"from-global", "from-local"}, []string{cfg.Services[0].Title, cfg.Services[1].Title})
}

func TestLoadDuplicateTitleFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.toml", `title = "dup"
exec = "/bin/a"`)
	writeFile(t, dir, "b.toml", `title = "dup"
exec = "/bin/b"`)

	_, err := Load("", dir)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrDuplicateTitle, cerr.Kind)
}

func TestLoadNoServicesFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Load("", dir)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrNoServices, cerr.Kind)
}

func TestLoadMalformedTomlFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.toml", `title = "oops`)

	_, err := Load("", dir)
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ErrParse, cerr.Kind)
}

func TestLoadSchemaViolations(t *testing.T) {
	t.Run("missing title", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "s.toml", `exec = "/bin/a"`)
		_, err := Load("", dir)
		require.Error(t, err)
		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, ErrSchema, cerr.Kind)
	})

	t.Run("relative exec", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "s.toml", `title = "a"
exec = "bin/a"`)
		_, err := Load("", dir)
		require.Error(t, err)
		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, ErrSchema, cerr.Kind)
	})
}

func TestLoadTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "t.toml", `
title = "svc"
exec = "/bin/svc"

[[templates]]
src = "/a.in"
dest = "/a.out"
`)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Len(t, cfg.Templates, 1)
	require.Equal(t, "/a.in", cfg.Templates[0].Src)
	require.Equal(t, "/a.out", cfg.Templates[0].Dest)
}
