package testutil_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/gradient/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/gradient/internal/core"
	"github.com/hugo-lorenzo-mato/gradient/internal/testutil"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"CRLF to LF", "line1\r\nline2\r\n", "line1\nline2"},
		{"trailing whitespace", "line1   \nline2\t\n", "line1\nline2"},
		{"trailing newlines", "line1\nline2\n\n\n", "line1\nline2"},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, testutil.Normalize(tt.input))
		})
	}
}

func TestScrubbers(t *testing.T) {
	in := `{"at":"2026-01-01T10:00:00.123456Z","req":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","local":"2026-03-04T05:06:07+02:00"}`
	assert.Equal(t, `{"at":"[TIMESTAMP]","req":"[UUID]","local":"[TIMESTAMP]"}`,
		testutil.ScrubTimestamps(testutil.ScrubUUIDs(in)))

	assert.Equal(t, "db at [WORKDIR]/gradient.db", testutil.ScrubAll("db at /tmp/x/gradient.db\n", "/tmp/x"))
	assert.Equal(t, "unchanged", testutil.ScrubPaths("unchanged", ""))
}

func TestGolden_Assert(t *testing.T) {
	g := testutil.NewGolden(t, filepath.Join("testdata"))
	g.AssertString("sample", "vote recorded  \r\ngradient 0.5\n")
}

func TestFaultyStore(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewFaultyStore(state.NewMemoryStore())
	boom := errors.New("boom")

	store.FailReads(boom)
	_, err := store.GetAggregate(ctx, "c1")
	assert.ErrorIs(t, err, boom)
	_, err = store.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, boom)

	store.FailReads(nil)
	_, err = store.GetAggregate(ctx, "c1")
	assert.ErrorIs(t, err, core.ErrUnknownClaim)

	store.FailCommits(1, boom)
	assert.ErrorIs(t, store.Commit(ctx, &core.Changeset{}), boom)
	require.NoError(t, store.Commit(ctx, &core.Changeset{}))
	assert.Equal(t, 1, store.Commits())
}
