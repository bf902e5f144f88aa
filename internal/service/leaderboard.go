package service

import (
	"math"
	"sync"

	"github.com/google/btree"

	"github.com/hugo-lorenzo-mato/gradient/internal/core"
)

const leaderboardDegree = 32

// LeaderboardEntry is one ranked agent.
type LeaderboardEntry struct {
	AgentID string    `json:"agent_id"`
	Score   float64   `json:"score"`
	Tier    core.Tier `json:"tier"`
	Rank    int       `json:"rank"`
}

// AgentRank is an agent's standing among all agents.
type AgentRank struct {
	AgentID    string    `json:"agent_id"`
	Score      float64   `json:"score"`
	Tier       core.Tier `json:"tier"`
	Rank       int       `json:"rank"`
	Total      int       `json:"total"`
	Percentile float64   `json:"percentile"`
}

type boardItem struct {
	agentID string
	score   float64
	tier    core.Tier
}

// less orders by score descending, then agent ID ascending.
func (a boardItem) less(b boardItem) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.agentID < b.agentID
}

// Leaderboard is an in-memory index of agent projections ordered by score.
// Agents with equal scores share a rank.
type Leaderboard struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[boardItem]
	byID map[string]boardItem
}

// NewLeaderboard creates an empty leaderboard.
func NewLeaderboard() *Leaderboard {
	return &Leaderboard{
		tree: btree.NewG[boardItem](leaderboardDegree, boardItem.less),
		byID: make(map[string]boardItem),
	}
}

// Load replaces the contents with agents.
func (l *Leaderboard) Load(agents []core.AgentReputation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tree.Clear(false)
	l.byID = make(map[string]boardItem, len(agents))
	for _, a := range agents {
		item := boardItem{agentID: a.AgentID, score: a.Score, tier: a.Tier}
		l.tree.ReplaceOrInsert(item)
		l.byID[a.AgentID] = item
	}
}

// Upsert records an agent's latest projection.
func (l *Leaderboard) Upsert(a core.AgentReputation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, ok := l.byID[a.AgentID]; ok {
		l.tree.Delete(old)
	}
	item := boardItem{agentID: a.AgentID, score: a.Score, tier: a.Tier}
	l.tree.ReplaceOrInsert(item)
	l.byID[a.AgentID] = item
}

// Len returns the number of ranked agents.
func (l *Leaderboard) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Len()
}

// Top returns up to limit entries after skipping offset, optionally only
// agents in tier. Ranks are computed over all agents.
func (l *Leaderboard) Top(limit, offset int, tier *core.Tier) []LeaderboardEntry {
	if limit <= 0 {
		return nil
	}
	if offset < 0 {
		offset = 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]LeaderboardEntry, 0, limit)
	position, rank := 0, 0
	lastScore := math.Inf(1)
	skipped := 0
	l.tree.Ascend(func(item boardItem) bool {
		position++
		if item.score != lastScore {
			rank = position
			lastScore = item.score
		}
		if tier != nil && item.tier != *tier {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		entries = append(entries, LeaderboardEntry{
			AgentID: item.agentID,
			Score:   item.score,
			Tier:    item.tier,
			Rank:    rank,
		})
		return len(entries) < limit
	})
	return entries
}

// Rank returns the agent's standing, or false when the agent is not ranked.
func (l *Leaderboard) Rank(agentID string) (AgentRank, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	item, ok := l.byID[agentID]
	if !ok {
		return AgentRank{}, false
	}

	higher := 0
	pivot := boardItem{score: item.score}
	l.tree.AscendLessThan(pivot, func(boardItem) bool {
		higher++
		return true
	})

	total := l.tree.Len()
	rank := higher + 1
	return AgentRank{
		AgentID:    agentID,
		Score:      item.score,
		Tier:       item.tier,
		Rank:       rank,
		Total:      total,
		Percentile: math.Round(float64(total-rank)/float64(total)*1000) / 10,
	}, true
}
