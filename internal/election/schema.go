package election

import (
	"fmt"
	"sort"
	"strings"
)

// ValidateAnswers checks answers against the election's question schema and
// returns a *SchemaValidationError listing every problem, or nil.
func ValidateAnswers(questions []Question, answers Answers) error {
	var problems []string
	known := make(map[string]Question, len(questions))
	for _, q := range questions {
		known[q.ID] = q
	}

	var unknown []string
	for qid := range answers {
		if _, ok := known[qid]; !ok {
			unknown = append(unknown, qid)
		}
	}
	sort.Strings(unknown)
	for _, qid := range unknown {
		problems = append(problems, fmt.Sprintf("unknown question %q", qid))
	}

	ordered := append([]Question(nil), questions...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })
	for _, q := range ordered {
		ans, ok := answers[q.ID]
		if !ok {
			if q.Required {
				problems = append(problems, fmt.Sprintf("question %q requires an answer", q.ID))
			}
			continue
		}
		problems = append(problems, checkAnswer(q, ans)...)
	}

	if len(problems) > 0 {
		return &SchemaValidationError{Problems: problems}
	}
	return nil
}

func checkAnswer(q Question, ans Answer) []string {
	var problems []string
	switch q.Type {
	case BallotBinary, BallotSingleChoice:
		if len(ans.Ranking) > 0 {
			problems = append(problems, fmt.Sprintf("question %q takes a single choice, not a ranking", q.ID))
		}
		if ans.Choice == "" {
			problems = append(problems, fmt.Sprintf("question %q: choice is required", q.ID))
		} else if !q.HasOption(ans.Choice) {
			problems = append(problems, fmt.Sprintf("question %q: unknown option %q", q.ID, ans.Choice))
		}
	case BallotRankedChoice:
		if ans.Choice != "" {
			problems = append(problems, fmt.Sprintf("question %q takes a ranking, not a single choice", q.ID))
		}
		if len(ans.Ranking) == 0 {
			problems = append(problems, fmt.Sprintf("question %q: ranking is empty", q.ID))
		}
		seen := make(map[string]struct{}, len(ans.Ranking))
		for _, opt := range ans.Ranking {
			if !q.HasOption(opt) {
				problems = append(problems, fmt.Sprintf("question %q: unknown option %q", q.ID, opt))
				continue
			}
			if _, dup := seen[opt]; dup {
				problems = append(problems, fmt.Sprintf("question %q: option %q ranked more than once", q.ID, opt))
				continue
			}
			seen[opt] = struct{}{}
		}
	default:
		problems = append(problems, fmt.Sprintf("question %q has unsupported type %q", q.ID, q.Type))
	}
	return problems
}

// ValidateQuestion checks a question definition before it is attached to a draft.
func ValidateQuestion(q Question) error {
	var problems []string
	if strings.TrimSpace(q.Prompt) == "" {
		problems = append(problems, "prompt is required")
	}
	if !q.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown ballot type %q", q.Type))
	}
	seen := make(map[string]struct{}, len(q.Options))
	for _, o := range q.Options {
		id := strings.TrimSpace(o.ID)
		if id == "" {
			problems = append(problems, "option id is required")
			continue
		}
		if _, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("duplicate option id %q", id))
		}
		seen[id] = struct{}{}
	}
	switch q.Type {
	case BallotBinary:
		if len(q.Options) != 2 {
			problems = append(problems, "binary questions need exactly two options")
		}
	case BallotSingleChoice, BallotRankedChoice:
		if len(q.Options) < 2 {
			problems = append(problems, "questions need at least two options")
		}
	}
	if len(problems) > 0 {
		return &SchemaValidationError{Problems: problems}
	}
	return nil
}
