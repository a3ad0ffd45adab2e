package docurl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToRaw(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "browse url",
			in:   "https://github.com/u/r/blob/main/paper.pdf",
			want: "https://raw.githubusercontent.com/u/r/main/paper.pdf",
		},
		{
			name: "nested path",
			in:   "https://github.com/org/repo/blob/v1.2/docs/papers/a b.pdf",
			want: "https://raw.githubusercontent.com/org/repo/v1.2/docs/papers/a b.pdf",
		},
		{
			name: "already raw",
			in:   "https://raw.githubusercontent.com/u/r/main/paper.pdf",
			want: "https://raw.githubusercontent.com/u/r/main/paper.pdf",
		},
		{
			name: "github without blob marker",
			in:   "https://github.com/u/r",
			want: "https://github.com/u/r",
		},
		{
			name: "other host",
			in:   "https://example.com/blob/paper.pdf",
			want: "https://example.com/blob/paper.pdf",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
		{
			name: "garbage",
			in:   "%%%not a url",
			want: "%%%not a url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToRaw(tt.in)
			require.Equal(t, tt.want, got)
			require.Equal(t, got, ToRaw(got), "normalizing twice must equal normalizing once")
		})
	}
}

func TestToRawOutputHasNoMarker(t *testing.T) {
	for _, in := range []string{
		"https://github.com/a/b/blob/main/x.pdf",
		"http://github.com/a/b/blob/dev/dir/y.pdf",
		"github.com/a/b/blob/main/z.pdf",
	} {
		out := ToRaw(in)
		require.True(t, IsRawURL(out), out)
		require.NotContains(t, out, blobMarker)
		require.False(t, IsRepoURL(out))
	}
}

func TestPredicates(t *testing.T) {
	require.True(t, IsRepoURL("https://github.com/u/r/blob/main/p.pdf"))
	require.False(t, IsRepoURL("https://github.com/u/r/tree/main"))
	require.False(t, IsRepoURL("https://raw.githubusercontent.com/u/r/blob/p.pdf"))

	require.True(t, IsRawURL("https://raw.githubusercontent.com/u/r/main/p.pdf"))
	require.False(t, IsRawURL("https://github.com/u/r/blob/main/p.pdf"))
}
