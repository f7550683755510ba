// Package tally tabulates persisted ballots and manages result snapshots.
package tally

import (
	"encoding/json"
	"fmt"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

// Strategy counts the answers given to one question.
type Strategy func(q election.Question, answers []election.Answer) election.QuestionResult

// strategies is the fixed dispatch table from ballot type to counting rule.
var strategies = map[election.BallotType]Strategy{
	election.BallotBinary:       Plurality,
	election.BallotSingleChoice: Plurality,
	election.BallotRankedChoice: InstantRunoff,
}

// Tabulate counts every question over the given ballots.
func Tabulate(questions []election.Question, ballots []election.Ballot) ([]election.QuestionResult, error) {
	perQuestion := make(map[string][]election.Answer, len(questions))
	for _, b := range ballots {
		var answers election.Answers
		if err := json.Unmarshal(b.Answers, &answers); err != nil {
			return nil, fmt.Errorf("decode ballot %s: %w", b.ID, err)
		}
		for qid, a := range answers {
			perQuestion[qid] = append(perQuestion[qid], a)
		}
	}

	out := make([]election.QuestionResult, 0, len(questions))
	for _, q := range questions {
		strategy, ok := strategies[q.Type]
		if !ok {
			return nil, fmt.Errorf("question %s: no tabulation for ballot type %q", q.ID, q.Type)
		}
		out = append(out, strategy(q, perQuestion[q.ID]))
	}
	return out, nil
}

// Plurality counts one choice per ballot. Ties are reported, never broken.
func Plurality(q election.Question, answers []election.Answer) election.QuestionResult {
	counts := make(map[string]int, len(q.Options))
	for _, id := range q.OptionIDs() {
		counts[id] = 0
	}
	total := 0
	for _, a := range answers {
		if _, ok := counts[a.Choice]; !ok {
			continue
		}
		counts[a.Choice]++
		total++
	}

	best := 0
	var winners []string
	for _, id := range q.OptionIDs() {
		switch n := counts[id]; {
		case n == 0:
		case n > best:
			best = n
			winners = []string{id}
		case n == best:
			winners = append(winners, id)
		}
	}
	return election.QuestionResult{
		QuestionID:   q.ID,
		Type:         q.Type,
		TotalBallots: total,
		Counts:       counts,
		Winners:      winners,
		Tie:          len(winners) > 1,
	}
}

// InstantRunoff runs IRV rounds. A candidate wins with more than half of the
// ballots still expressing a preference among remaining candidates. Otherwise
// every candidate tied for fewest votes is eliminated together. When all
// remaining candidates are tied the question ends in a tie between them.
func InstantRunoff(q election.Question, answers []election.Answer) election.QuestionResult {
	order := q.OptionIDs()
	remaining := make(map[string]bool, len(order))
	for _, id := range order {
		remaining[id] = true
	}

	res := election.QuestionResult{QuestionID: q.ID, Type: q.Type, TotalBallots: len(answers)}
	for round := 1; len(remaining) > 0; round++ {
		r := election.Round{Number: round, Tallies: make(map[string]int, len(remaining))}
		for _, id := range order {
			if remaining[id] {
				r.Tallies[id] = 0
			}
		}
		for _, a := range answers {
			if pref, ok := firstRemaining(a.Ranking, remaining); ok {
				r.Tallies[pref]++
				r.Continuing++
			} else {
				r.Exhausted++
			}
		}

		if r.Continuing == 0 {
			res.Rounds = append(res.Rounds, r)
			return res
		}
		for _, id := range order {
			if remaining[id] && r.Tallies[id]*2 > r.Continuing {
				r.Winner = id
				res.Rounds = append(res.Rounds, r)
				res.Winners = []string{id}
				return res
			}
		}

		fewest := -1
		for _, id := range order {
			if remaining[id] && (fewest < 0 || r.Tallies[id] < fewest) {
				fewest = r.Tallies[id]
			}
		}
		var tied []string
		for _, id := range order {
			if remaining[id] && r.Tallies[id] == fewest {
				tied = append(tied, id)
			}
		}
		if len(tied) == len(remaining) {
			res.Rounds = append(res.Rounds, r)
			res.Winners = tied
			res.Tie = len(tied) > 1
			return res
		}
		r.Eliminated = tied
		for _, id := range tied {
			delete(remaining, id)
		}
		res.Rounds = append(res.Rounds, r)
	}
	return res
}

func firstRemaining(ranking []string, remaining map[string]bool) (string, bool) {
	for _, id := range ranking {
		if remaining[id] {
			return id, true
		}
	}
	return "", false
}
