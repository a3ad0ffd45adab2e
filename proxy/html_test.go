package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractBody(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
	}{
		{
			name: "full document",
			page: `<!doctype html><html><body><p>Hello</p></body></html>`,
			want: `<p>Hello</p>`,
		},
		{
			name: "fragment",
			page: `<table><tr><td>1</td></tr></table>`,
			want: `<table><tbody><tr><td>1</td></tr></tbody></table>`,
		},
		{
			name: "scripts and handlers removed",
			page: `<body><img src="a.png" onerror="x()" alt="a"><noscript>n</noscript><script>y()</script></body>`,
			want: `<img src="a.png" alt="a"/>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBody([]byte(tt.page))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
