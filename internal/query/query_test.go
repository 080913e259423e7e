package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func mustMatch(t *testing.T, pattern string, doc map[string]any) bool {
	t.Helper()
	p, err := Compile(pattern)
	require.NoError(t, err)
	m, err := NewMatcher(p)
	require.NoError(t, err)
	ok, err := m.Match(doc)
	require.NoError(t, err)
	return ok
}

func TestCompile_Term(t *testing.T) {
	p, err := Compile("title:Test0")
	require.NoError(t, err)
	assert.Equal(t, "title:Test0", p.String())
}

func TestCompile_Errors(t *testing.T) {
	for _, pattern := range []string{
		"",
		"title:",
		"bareword",
		"(title:a",
		"title:a OR",
		"title:a )",
		`title:"unterminated`,
	} {
		_, err := Compile(pattern)
		assert.ErrorIs(t, err, ErrInvalidSearchPattern, "pattern %q", pattern)
	}
}

func TestMatch_Term(t *testing.T) {
	assert.True(t, mustMatch(t, "title:Test0", map[string]any{"title": "Test0"}))
	assert.False(t, mustMatch(t, "title:Test0", map[string]any{"title": "Test1"}))
	assert.False(t, mustMatch(t, "title:Test0", map[string]any{"other": "Test0"}))
	assert.False(t, mustMatch(t, "title:Test0", nil))
}

func TestMatch_Boolean(t *testing.T) {
	doc := map[string]any{"title": "Test2", "genre": "sci"}

	assert.True(t, mustMatch(t, "title:Test2 OR title:Test3", doc))
	assert.True(t, mustMatch(t, "title:Test3 OR title:Test2", doc))
	assert.False(t, mustMatch(t, "title:Test3 OR title:Test4", doc))

	assert.True(t, mustMatch(t, "title:Test2 AND genre:sci", doc))
	assert.False(t, mustMatch(t, "title:Test2 AND genre:fantasy", doc))

	// juxtaposition is implicit AND
	assert.True(t, mustMatch(t, "title:Test2 genre:sci", doc))

	assert.True(t, mustMatch(t, "NOT title:Test9", doc))
	assert.False(t, mustMatch(t, "NOT title:Test2", doc))

	assert.True(t, mustMatch(t, "(title:Test2 OR title:Test3) AND genre:sci", doc))
	assert.False(t, mustMatch(t, "(title:Test2 OR title:Test3) AND genre:fantasy", doc))
}

func TestMatch_QuotedValue(t *testing.T) {
	assert.True(t, mustMatch(t, `title:"hello world"`, map[string]any{"title": "hello world"}))
	assert.False(t, mustMatch(t, `title:"hello world"`, map[string]any{"title": "hello"}))
}

func TestMatch_LowercaseKeywords(t *testing.T) {
	doc := map[string]any{"title": "a"}
	assert.True(t, mustMatch(t, "title:a or title:b", doc))
	assert.True(t, mustMatch(t, "not title:b", doc))
}

func TestBSON_Term(t *testing.T) {
	p, err := Compile("title:Test0")
	require.NoError(t, err)
	assert.Equal(t, bson.M{"data.title": "Test0"}, p.BSON("data."))
}

func TestBSON_Boolean(t *testing.T) {
	p, err := Compile("title:Test2 OR title:Test3")
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$or": bson.A{
		bson.M{"data.title": "Test2"},
		bson.M{"data.title": "Test3"},
	}}, p.BSON("data."))

	p, err = Compile("NOT title:Test2")
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$nor": bson.A{bson.M{"data.title": "Test2"}}}, p.BSON("data."))
}
