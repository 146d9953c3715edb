package splitmux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobPatternSortsMatches(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"rec_002.ts", "rec_000.ts", "rec_001.ts", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	frags, err := GlobPattern(filepath.Join(dir, "rec_*.ts")).Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, frags, 3)
	for i, f := range frags {
		assert.Equal(t, filepath.Join(dir, []string{"rec_000.ts", "rec_001.ts", "rec_002.ts"}[i]), f.Location)
		assert.Equal(t, NoTime, f.Offset)
		assert.Equal(t, NoTime, f.Duration)
	}
}

func TestGlobPatternEdgeCases(t *testing.T) {
	frags, err := GlobPattern("").Resolve(context.Background())
	require.NoError(t, err)
	assert.Empty(t, frags)

	_, err = GlobPattern("[").Resolve(context.Background())
	assert.Error(t, err)
}

func TestExplicitListIsCopied(t *testing.T) {
	list := ExplicitList{
		{Location: "a.ts", Offset: 0, Duration: time.Second},
		NewFragment("b.ts"),
	}
	frags, err := list.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Fragment(list), frags)

	frags[0].Location = "changed"
	assert.Equal(t, "a.ts", list[0].Location)
}

func TestResolverFunc(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context) ([]string, error) {
		return []string{"x.ts", "y.ts"}, nil
	})
	frags, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Fragment{NewFragment("x.ts"), NewFragment("y.ts")}, frags)

	boom := errors.New("boom")
	_, err = ResolverFunc(func(ctx context.Context) ([]string, error) {
		return nil, boom
	}).Resolve(context.Background())
	assert.ErrorIs(t, err, boom)
}
