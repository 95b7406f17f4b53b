package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeRangeContains(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	var open *TimeRange
	assert.True(t, open.Contains(from))

	r := &TimeRange{From: &from, To: &to}
	assert.True(t, r.Contains(from))
	assert.True(t, r.Contains(to))
	assert.True(t, r.Contains(from.Add(time.Hour)))
	assert.False(t, r.Contains(from.Add(-time.Second)))
	assert.False(t, r.Contains(to.Add(time.Second)))

	assert.True(t, (&TimeRange{From: &from}).Contains(to.Add(time.Hour)))
}

func TestEnumsValid(t *testing.T) {
	assert.True(t, DirectionBidirectional.Valid())
	assert.False(t, Direction("sideways").Valid())
	assert.True(t, StrategyLatestWins.Valid())
	assert.False(t, Strategy("coin_flip").Valid())
}

func TestErrorRoundTrip(t *testing.T) {
	we := ErrorFrom(store.NewNotFoundError("/x", "node"))
	assert.Equal(t, "NOT_FOUND", we.Code)

	err := we.AsError()
	assert.True(t, store.IsNotFound(err))

	plain := ErrorFrom(errors.New("boom"))
	assert.Equal(t, "INTERNAL", plain.Code)
	assert.Equal(t, plain, plain.AsError())

	assert.Nil(t, (*Error)(nil).AsError())
}

func TestNewResponse(t *testing.T) {
	f := NewResponse("1", PullResponse{Cursor: "c"}, nil)
	assert.Equal(t, FrameResponse, f.Type)
	assert.Nil(t, f.Error)
	assert.JSONEq(t, `{"changes":null,"cursor":"c","more":false}`, string(f.Result))

	f = NewResponse("2", nil, store.NewError(store.ErrInvalidOperation, "", "bad"))
	require.NotNil(t, f.Error)
	assert.Equal(t, "INVALID_OPERATION", f.Error.Code)
	assert.Empty(t, f.Result)
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		name       string
		collection string
		key        string
		module     string
		path       string
		cloze      string
		ok         bool
	}{
		{"node", CollectionNodes, "notes:/a/b.md", "notes", "/a/b.md", "", true},
		{"node with colon", CollectionNodes, "notes:/a:b.md", "notes", "/a:b.md", "", true},
		{"srs", CollectionSRS, "notes:/a.md#c1", "notes", "/a.md", "c1", true},
		{"srs hash in path", CollectionSRS, "notes:/x#y.md#c2", "notes", "/x#y.md", "c2", true},
		{"srs missing cloze", CollectionSRS, "notes:/a.md", "", "", "", false},
		{"srs empty cloze", CollectionSRS, "notes:/a.md#", "", "", "", false},
		{"no module", CollectionNodes, ":/a.md", "", "", "", false},
		{"relative", CollectionNodes, "notes:a.md", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			module, path, cloze, ok := SplitKey(tt.collection, tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.module, module)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.cloze, cloze)
		})
	}

	m, p, c, ok := SplitKey(CollectionSRS, SRSKey("notes", "/a.md", "c9"))
	require.True(t, ok)
	assert.Equal(t, []string{"notes", "/a.md", "c9"}, []string{m, p, c})
}

func TestScopeMatch(t *testing.T) {
	all := Scope{}.MustCompile()
	assert.True(t, all.Match(CollectionNodes, "notes:/a.md"))
	assert.True(t, all.Match(CollectionModules, "notes"))
	assert.False(t, all.Match(CollectionNodes, "garbage"))

	m := Scope{
		Modules:     []string{"notes"},
		Paths:       []string{"/projects/**"},
		Collections: []string{CollectionNodes, CollectionSRS, CollectionTags},
	}.MustCompile()

	assert.True(t, m.Match(CollectionNodes, "notes:/projects/x/y.md"))
	assert.True(t, m.Match(CollectionSRS, "notes:/projects/y.md#c1"))
	assert.False(t, m.Match(CollectionNodes, "notes:/inbox.md"))
	assert.False(t, m.Match(CollectionNodes, "journal:/projects/y.md"))
	assert.False(t, m.Match(CollectionModules, "notes"))
	assert.True(t, m.Match(CollectionTags, "anything"))

	mods := Scope{Modules: []string{"notes"}}.MustCompile()
	assert.True(t, mods.Match(CollectionModules, "notes"))
	assert.False(t, mods.Match(CollectionModules, "journal"))
}

func TestScopeCompileErrors(t *testing.T) {
	_, err := Scope{Collections: []string{"files"}}.Compile()
	assert.Error(t, err)

	assert.Panics(t, func() { Scope{Collections: []string{"files"}}.MustCompile() })
}
