package middleware

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mushuanli/itookit-sub011/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upper struct{}

func (upper) Name() string { return "upper" }
func (upper) OnBeforeWrite(_ context.Context, _ Target, c []byte) ([]byte, error) {
	return []byte(strings.ToUpper(string(c))), nil
}

type suffix struct{}

func (suffix) Name() string { return "suffix" }
func (suffix) OnBeforeWrite(_ context.Context, _ Target, c []byte) ([]byte, error) {
	if strings.HasSuffix(string(c), "!") {
		return c, nil
	}
	return append(c, '!'), nil
}

type reject struct{ err error }

func (reject) Name() string { return "reject" }
func (r reject) OnValidate(context.Context, Target, []byte) error {
	return r.err
}

type lengthMeta struct{}

func (lengthMeta) Name() string { return "length" }
func (lengthMeta) OnAfterWrite(_ context.Context, _ Target, c []byte) (map[string]any, error) {
	return map[string]any{"length": len(c)}, nil
}

type nothing struct{}

func (nothing) Name() string { return "nothing" }

func target(path string) Target {
	return Target{Op: OpWrite, Node: &store.Node{Path: path}}
}

func TestChainOrder(t *testing.T) {
	chain, err := NewChain(upper{}, suffix{}, lengthMeta{})
	require.NoError(t, err)

	out, patch, err := chain.Run(context.Background(), target("/m/a"), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "HI!", string(out))
	assert.Equal(t, map[string]any{"length": 3}, patch)
	assert.Equal(t, []string{"upper", "suffix", "length"}, chain.Names())
}

func TestChainRejection(t *testing.T) {
	denied := store.NewError(store.ErrPermissionDenied, "/m/a", "nope")
	chain, err := NewChain(upper{}, reject{err: denied})
	require.NoError(t, err)

	_, _, err = chain.Run(context.Background(), target("/m/a"), []byte("x"))
	assert.True(t, store.IsPermissionDenied(err), "store errors keep their kind")

	plain := errors.New("bad")
	require.True(t, chain.Unregister("reject"))
	require.NoError(t, chain.Register(reject{err: plain}))
	_, _, err = chain.Run(context.Background(), target("/m/a"), []byte("x"))
	assert.ErrorIs(t, err, plain)
	assert.Contains(t, err.Error(), "middleware reject")
}

func TestRegisterValidation(t *testing.T) {
	chain, err := NewChain(upper{})
	require.NoError(t, err)

	assert.True(t, store.IsAlreadyExists(chain.Register(upper{})))
	assert.True(t, store.IsInvalidOperation(chain.Register(nothing{})))
	assert.False(t, chain.Unregister("missing"))
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()

	t.Run("MaxSize", func(t *testing.T) {
		m := MaxSize{Limit: 3}
		assert.NoError(t, m.OnValidate(ctx, target("/m/a"), []byte("abc")))
		assert.True(t, store.IsInvalidOperation(m.OnValidate(ctx, target("/m/a"), []byte("abcd"))))
	})

	t.Run("NormalizeLineEndingsIdempotent", func(t *testing.T) {
		n := NormalizeLineEndings{}
		once, err := n.OnBeforeWrite(ctx, target("/m/a"), []byte("a\r\nb\rc\n"))
		require.NoError(t, err)
		assert.Equal(t, "a\nb\nc\n", string(once))

		twice, err := n.OnBeforeWrite(ctx, target("/m/a"), once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	})

	t.Run("ContentHash", func(t *testing.T) {
		patch, err := ContentHash{}.OnAfterWrite(ctx, target("/m/a"), []byte("x"))
		require.NoError(t, err)
		hash, ok := patch[ContentHashKey].(string)
		require.True(t, ok)
		assert.True(t, strings.HasPrefix(hash, "blake3:"))
		assert.Len(t, hash, len("blake3:")+64)
	})

	t.Run("ReadOnlyPaths", func(t *testing.T) {
		r, err := NewReadOnlyPaths("/journal/archive/**", "/*/locked.md")
		require.NoError(t, err)

		assert.True(t, store.IsPermissionDenied(r.OnValidate(ctx, target("/journal/archive/2020/a.md"), nil)))
		assert.True(t, store.IsPermissionDenied(r.OnValidate(ctx, target("/notes/locked.md"), nil)))
		assert.NoError(t, r.OnValidate(ctx, target("/journal/today.md"), nil))
		assert.NoError(t, r.OnValidate(ctx, target("/notes/sub/locked.md"), nil))
	})
}

func TestApplyPatch(t *testing.T) {
	meta := ApplyPatch(nil, map[string]any{"a": 1, "b": "x"})
	assert.Equal(t, map[string]any{"a": 1, "b": "x"}, meta)

	meta = ApplyPatch(meta, map[string]any{"a": nil})
	assert.Equal(t, map[string]any{"b": "x"}, meta)

	assert.Nil(t, ApplyPatch(map[string]any{"b": 1}, map[string]any{"b": nil}))
}
