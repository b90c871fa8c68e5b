package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowedOrigins(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		listen string
		public string
		want   []string
	}{
		{
			name:   "public origin wins",
			listen: ":3000",
			public: "https://Example.com/path",
			want:   []string{"https://example.com"},
		},
		{
			name:   "public list deduplicated",
			listen: ":3000",
			public: "https://foo.example, http://Bar.example:8080; https://foo.example ,",
			want:   []string{"https://foo.example", "http://bar.example:8080"},
		},
		{
			name:   "listen fallback",
			listen: ":9090",
			want:   []string{DefaultOrigin, "http://localhost:9090", "http://127.0.0.1:9090"},
		},
		{
			name:   "named host",
			listen: "perpsync.lan:8080",
			want:   []string{DefaultOrigin, "http://127.0.0.1:8080", "http://perpsync.lan:8080"},
		},
		{
			name: "nothing configured",
			want: []string{DefaultOrigin},
		},
		{
			name:   "invalid public origin ignored",
			listen: ":9090",
			public: "not-an-origin",
			want:   []string{DefaultOrigin, "http://localhost:9090", "http://127.0.0.1:9090"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, AllowedOrigins(tc.listen, tc.public))
		})
	}
}
