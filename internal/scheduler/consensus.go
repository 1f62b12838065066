package scheduler

import (
	"sort"

	"github.com/luigidev/luigi/internal/protocol"
	"github.com/luigidev/luigi/internal/state"
)

// Consensus is the combined outcome of all reviews for one iteration.
type Consensus struct {
	WinnerID string
	// Unanimous is true when every reviewer's verdict on the winner agrees.
	Unanimous bool
	// Verdict is meaningful only when Unanimous.
	Verdict state.Decision
	// Scores carries the Borda totals per candidate id.
	Scores map[string]int
}

// computeConsensus combines reviewer rankings with a Borda count and checks
// verdict agreement on the winner. order fixes the tie-break: the earliest
// candidate id wins ties.
func computeConsensus(reviews []*protocol.Review, order []string) *Consensus {
	scores := make(map[string]int, len(order))
	for _, id := range order {
		scores[id] = 0
	}

	// Each reviewer contributes one ranking; dedupe by reviewer id since a
	// reviewer files one review per candidate carrying the same ranking.
	seen := map[string]bool{}
	reviewerCount := 0
	for _, rv := range reviews {
		if seen[rv.ReviewerID] {
			continue
		}
		seen[rv.ReviewerID] = true
		reviewerCount++
		n := len(rv.Ranking)
		for pos, id := range rv.Ranking {
			if _, ok := scores[id]; ok {
				scores[id] += n - 1 - pos
			}
		}
	}

	winner := ""
	best := -1
	for _, id := range order {
		if scores[id] > best {
			best = scores[id]
			winner = id
		}
	}

	c := &Consensus{WinnerID: winner, Scores: scores}
	if winner == "" {
		return c
	}

	// Verdicts on the winner must be unanimous, otherwise the admin decides.
	var verdicts []string
	for _, rv := range reviews {
		if rv.CandidateID == winner {
			verdicts = append(verdicts, rv.Status)
		}
	}
	if len(verdicts) == 0 {
		return c
	}
	unanimous := true
	for _, v := range verdicts[1:] {
		if v != verdicts[0] {
			unanimous = false
			break
		}
	}
	c.Unanimous = unanimous
	if unanimous {
		if verdicts[0] == protocol.ReviewApproved {
			c.Verdict = state.DecisionApproved
		} else {
			c.Verdict = state.DecisionRejected
		}
	}
	return c
}

// reviewableIDs returns the ids of candidates that completed execution, in
// creation order.
func reviewableIDs(it *state.Iteration) []string {
	var ids []string
	for _, cand := range it.Candidates {
		if cand.Status == state.CandidateDone {
			ids = append(ids, cand.ID)
		}
	}
	return ids
}

// sortedScoreIDs returns candidate ids ordered by descending Borda score,
// creation order on ties. Used for history events.
func sortedScoreIDs(scores map[string]int, order []string) []string {
	ids := append([]string{}, order...)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if scores[ids[i]] != scores[ids[j]] {
			return scores[ids[i]] > scores[ids[j]]
		}
		return pos[ids[i]] < pos[ids[j]]
	})
	return ids
}
