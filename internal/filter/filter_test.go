package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node map[string][]string

func (n node) Values(path string) []string { return n[path] }

var (
	web1 = node{"name": {"web1"}, "role": {"web"}, "env": {"prod"}, "tags": {"frontend", "edge"}}
	web2 = node{"name": {"web2"}, "role": {"web"}, "env": {"staging"}}
	db1  = node{"name": {"db1"}, "role": {"db"}, "env": {"prod"}, "tags": {"retired"}}
)

func names(nodes []node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n["name"][0])
	}
	return out
}

func TestParse(t *testing.T) {
	t.Parallel()

	all := []node{web1, web2, db1}

	tests := []struct {
		query string
		want  []string
	}{
		{"*:*", []string{"web1", "web2", "db1"}},
		{"role:web", []string{"web1", "web2"}},
		{"role:web env:prod", []string{"web1"}},
		{"role:web AND env:prod", []string{"web1"}},
		{"role:db OR env:staging", []string{"web2", "db1"}},
		{"!tags:retired", []string{"web1", "web2"}},
		{"NOT env:prod", []string{"web2"}},
		{"name:web*", []string{"web1", "web2"}},
		{"name:WEB?", []string{"web1", "web2"}},
		{"db1", []string{"db1"}},
		{"tags:edge", []string{"web1"}},
		{"role:web !env:prod OR name:db1", []string{"web2", "db1"}},
		{"role:cache", nil},
		{"name:web1.example", nil},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f, err := Parse(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(Apply(all, f)))
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	for _, q := range []string{"", "role:", ":web", "*:web", "role:web OR", "OR role:web", "role:web NOT", `role:"web`} {
		_, err := Parse(q)
		assert.Error(t, err, q)
	}
}

func TestParse_QuotedValue(t *testing.T) {
	t.Parallel()

	n := node{"desc": {"front end"}}
	f, err := Parse(`"desc:front end"`)
	require.NoError(t, err)
	assert.True(t, f.Match(n))
}

func TestCompositeFilter_String(t *testing.T) {
	t.Parallel()

	f, err := Parse("role:web !env:prod OR *:*")
	require.NoError(t, err)
	assert.Equal(t, "((role:web AND NOT env:prod) OR *:*)", f.String())
}

func TestGlobDoesNotTreatDotAsWildcard(t *testing.T) {
	t.Parallel()

	f, err := NewAttributeFilter("name", "web1.example.com")
	require.NoError(t, err)
	assert.False(t, f.Match(node{"name": {"web1xexample.com"}}))
	assert.True(t, f.Match(node{"name": {"web1.example.com"}}))
}
