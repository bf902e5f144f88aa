package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

func boardFixture() *Leaderboard {
	b := NewLeaderboard()
	b.Load([]core.AgentReputation{
		{AgentID: "dave", Score: 120, Tier: core.TierNew},
		{AgentID: "alice", Score: 640, Tier: core.TierTrusted},
		{AgentID: "carol", Score: 250, Tier: core.TierEstablished},
		{AgentID: "bob", Score: 250, Tier: core.TierEstablished},
		{AgentID: "erin", Score: 0, Tier: core.TierNew},
	})
	return b
}

func TestLeaderboard_TopOrdersWithSharedRanks(t *testing.T) {
	b := boardFixture()

	top := b.Top(10, 0, nil)
	require.Len(t, top, 5)

	ids := make([]string, len(top))
	ranks := make([]int, len(top))
	for i, e := range top {
		ids[i] = e.AgentID
		ranks[i] = e.Rank
	}
	assert.Equal(t, []string{"alice", "bob", "carol", "dave", "erin"}, ids)
	assert.Equal(t, []int{1, 2, 2, 4, 5}, ranks)
}

func TestLeaderboard_TopPaging(t *testing.T) {
	b := boardFixture()

	page := b.Top(2, 2, nil)
	require.Len(t, page, 2)
	assert.Equal(t, "carol", page[0].AgentID)
	assert.Equal(t, 2, page[0].Rank)
	assert.Equal(t, "dave", page[1].AgentID)

	assert.Empty(t, b.Top(5, 10, nil))
	assert.Nil(t, b.Top(0, 0, nil))
}

func TestLeaderboard_TopTierFilterKeepsGlobalRank(t *testing.T) {
	b := boardFixture()
	tier := core.TierNew

	entries := b.Top(10, 0, &tier)
	require.Len(t, entries, 2)
	assert.Equal(t, "dave", entries[0].AgentID)
	assert.Equal(t, 4, entries[0].Rank)
	assert.Equal(t, "erin", entries[1].AgentID)
	assert.Equal(t, 5, entries[1].Rank)
}

func TestLeaderboard_Rank(t *testing.T) {
	b := boardFixture()

	r, ok := b.Rank("alice")
	require.True(t, ok)
	assert.Equal(t, 1, r.Rank)
	assert.Equal(t, 5, r.Total)
	assert.Equal(t, 80.0, r.Percentile)

	r, ok = b.Rank("carol")
	require.True(t, ok)
	assert.Equal(t, 2, r.Rank)
	assert.Equal(t, 60.0, r.Percentile)

	r, ok = b.Rank("erin")
	require.True(t, ok)
	assert.Equal(t, 5, r.Rank)
	assert.Equal(t, 0.0, r.Percentile)

	_, ok = b.Rank("nobody")
	assert.False(t, ok)
}

func TestLeaderboard_UpsertMovesAgent(t *testing.T) {
	b := boardFixture()

	b.Upsert(core.AgentReputation{AgentID: "erin", Score: 700, Tier: core.TierTrusted})
	assert.Equal(t, 5, b.Len())

	r, ok := b.Rank("erin")
	require.True(t, ok)
	assert.Equal(t, 1, r.Rank)

	r, ok = b.Rank("alice")
	require.True(t, ok)
	assert.Equal(t, 2, r.Rank)

	b.Upsert(core.AgentReputation{AgentID: "frank", Score: 5})
	assert.Equal(t, 6, b.Len())
	r, _ = b.Rank("frank")
	assert.Equal(t, 6, r.Rank)
	assert.InDelta(t, 0.0, r.Percentile, 1e-9)
}

func TestLeaderboard_PercentileRounding(t *testing.T) {
	b := NewLeaderboard()
	b.Load([]core.AgentReputation{
		{AgentID: "a", Score: 3},
		{AgentID: "b", Score: 2},
		{AgentID: "c", Score: 1},
	})

	r, _ := b.Rank("a")
	assert.Equal(t, 66.7, r.Percentile)
	r, _ = b.Rank("b")
	assert.Equal(t, 33.3, r.Percentile)
}
