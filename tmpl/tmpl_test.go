package tmpl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whaleinit/whaleinit/config"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestRenderSubstitutesEnv(t *testing.T) {
	withEnv(t, "WHALEINIT_TEST_NAME", "world")

	ctx := NewContext()
	out, err := ctx.Render("hello {{ env.WHALEINIT_TEST_NAME }}")
	require.NoError(t, err)
	require.Equal(t, "hello world", out)
}

func TestRenderMissingVarIsEmpty(t *testing.T) {
	ctx := NewContext()
	out, err := ctx.Render("[{{ env.DOES_NOT_EXIST_XYZ }}]")
	require.NoError(t, err)
	require.Equal(t, "[]", out)
}

func TestRenderIdentityWhenNoTags(t *testing.T) {
	ctx := NewContext()
	const plain = "just a plain string, no templating here"
	out, err := ctx.Render(plain)
	require.NoError(t, err)
	require.Equal(t, plain, out)
}

func TestRenderInvalidSyntaxFails(t *testing.T) {
	ctx := NewContext()
	_, err := ctx.Render("{{ env.X")
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	require.Equal(t, ErrParse, terr.Kind)
}

func TestRenderServiceRewritesFieldsInPlace(t *testing.T) {
	withEnv(t, "WHALEINIT_TEST_BIN", "/usr/bin/real")

	spec := &config.ServiceSpec{
		Title: "svc",
		Exec:  "{{ env.WHALEINIT_TEST_BIN }}",
		Args:  []string{"--flag={{ env.WHALEINIT_TEST_BIN }}"},
		Env:   map[string]string{"X": "{{ env.WHALEINIT_TEST_BIN }}"},
	}

	ctx := NewContext()
	require.NoError(t, ctx.RenderService(spec))

	require.Equal(t, "/usr/bin/real", spec.Exec)
	require.Equal(t, "--flag=/usr/bin/real", spec.Args[0])
	require.Equal(t, "/usr/bin/real", spec.Env["X"])
}

func TestRenderFileAtomicWriteAndModePreservation(t *testing.T) {
	withEnv(t, "WHALEINIT_TEST_NAME", "world")

	dir := t.TempDir()
	src := filepath.Join(dir, "a.in")
	dest := filepath.Join(dir, "a.out")

	require.NoError(t, os.WriteFile(src, []byte("hello {{ env.WHALEINIT_TEST_NAME }}"), 0640))

	ctx := NewContext()
	spec := &config.TemplateSpec{Src: src, Dest: dest}
	require.NoError(t, ctx.RenderFile(spec))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestRenderFilePreservesExistingDestMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.in")
	dest := filepath.Join(dir, "a.out")

	require.NoError(t, os.WriteFile(src, []byte("static"), 0640))
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0600))

	ctx := NewContext()
	require.NoError(t, ctx.RenderFile(&config.TemplateSpec{Src: src, Dest: dest}))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRenderFilePathsAreThemselvesTemplated(t *testing.T) {
	withEnv(t, "WHALEINIT_TEST_DIR", t.TempDir())

	src := filepath.Join(os.Getenv("WHALEINIT_TEST_DIR"), "in.txt")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0644))

	ctx := NewContext()
	spec := &config.TemplateSpec{
		Src:  "{{ env.WHALEINIT_TEST_DIR }}/in.txt",
		Dest: "{{ env.WHALEINIT_TEST_DIR }}/out.txt",
	}
	require.NoError(t, ctx.RenderFile(spec))

	got, err := os.ReadFile(filepath.Join(os.Getenv("WHALEINIT_TEST_DIR"), "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "content", string(got))
}
