package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, r *Resolver, input string) (*Credentials, error) {
	t.Helper()
	return r.ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_TOKEN", "secret123")

	creds, err := resolve(t, NewResolver(), `admin_token: {{ env "TEST_TOKEN" | json }}`)
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.AdminToken)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	_, err := resolve(t, NewResolver(), `admin_token: {{ env "NONEXISTENT_VAR_XYZ" | json }}`)
	require.ErrorContains(t, err, "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	creds, err := resolve(t, NewResolver(), `admin_token: {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}`)
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.AdminToken)

	t.Setenv("TEST_VAR", "actual")
	creds, err = resolve(t, NewResolver(), `admin_token: {{ envDefault "TEST_VAR" "fallback" | json }}`)
	require.NoError(t, err)
	require.Equal(t, "actual", creds.AdminToken)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	creds, err := resolve(t, NewResolver(), `admin_token: {{ file "`+tmpFile+`" | json }}`)
	require.NoError(t, err)
	require.Equal(t, "file-secret", creds.AdminToken)
}

func TestResolveReader_Escaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes", a: colon and \backslash`)

	creds, err := resolve(t, NewResolver(), `admin_token: {{ env "TEST_SPECIAL" | json }}`)
	require.NoError(t, err)
	require.Equal(t, `value with "quotes", a: colon and \backslash`, creds.AdminToken)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mock := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `admin_token: {{ mock "same-ref" | json }}
upstreams:
  - host: raw.githubusercontent.com
    token: {{ mock "same-ref" | json }}
`
	creds, err := resolve(t, NewResolver(WithProvider("mock", mock)), input)
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.AdminToken)
	require.Equal(t, "resolved-same-ref", creds.Upstreams[0].Token)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_ProviderError(t *testing.T) {
	failing := func(context.Context, string) (string, error) {
		return "", errors.New("vault sealed")
	}
	_, err := resolve(t, NewResolver(WithProvider("vault", failing)), `admin_token: {{ vault "x" | json }}`)
	require.ErrorContains(t, err, `provider "vault" failed for ref "x"`)
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("GH_TOKEN", "gh-secret")

	input := `admin_token: inbound-token
upstreams:
  - host: Raw.GitHubUserContent.com
    token: {{ env "GH_TOKEN" | json }}
  - host: docs.example.org
    token: other
`
	creds, err := resolve(t, NewResolver(), input)
	require.NoError(t, err)
	require.Equal(t, "inbound-token", creds.AdminToken)
	require.Len(t, creds.Upstreams, 2)
	require.Equal(t, map[string]string{
		"raw.githubusercontent.com": "gh-secret",
		"docs.example.org":          "other",
	}, creds.HostTokens())
}

func TestResolveReader_AcceptsJSON(t *testing.T) {
	creds, err := resolve(t, NewResolver(), `{"admin_token": "json-token", "upstreams": [{"host": "a.example", "token": "t"}]}`)
	require.NoError(t, err)
	require.Equal(t, "json-token", creds.AdminToken)
	require.Len(t, creds.Upstreams, 1)
}

func TestResolveReader_Invalid(t *testing.T) {
	_, err := resolve(t, NewResolver(), `admin_token: {{ .UndefinedKey }}`)
	require.ErrorContains(t, err, "executing credentials template")

	_, err = resolve(t, NewResolver(), `not valid credentials`)
	require.ErrorContains(t, err, "decoding rendered credentials")

	_, err = resolve(t, NewResolver(), `auth_token: old-field-name`)
	require.ErrorContains(t, err, "decoding rendered credentials")

	_, err = resolve(t, NewResolver(), "upstreams:\n  - token: orphan\n")
	require.ErrorContains(t, err, "host is required")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	for _, input := range []string{"", "{}"} {
		creds, err := resolve(t, NewResolver(), input)
		require.NoError(t, err)
		require.Empty(t, creds.AdminToken)
		require.Nil(t, creds.HostTokens())
	}
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.yaml.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`admin_token: {{ env "TEST_TOKEN" | json }}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AdminToken)
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.ErrorContains(t, err, "opening credentials file")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	_, err := resolve(t, NewResolver(), strings.Repeat("x", maxInputSize+1))
	require.ErrorContains(t, err, "exceeds maximum size")
}
