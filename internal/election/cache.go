package election

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

// QuestionSource loads an election's questions.
type QuestionSource interface {
	Questions(ctx context.Context, electionID string) ([]Question, error)
}

// QuestionCache memoises question sets of elections that have left draft.
// Those sets can no longer change, so entries never need invalidation.
type QuestionCache struct {
	src   QuestionSource
	cache *lru.TwoQueueCache
}

// NewQuestionCache wraps src. size <= 0 disables caching.
func NewQuestionCache(src QuestionSource, size int) *QuestionCache {
	var cache *lru.TwoQueueCache
	if size > 0 {
		cache, _ = lru.New2Q(size)
	}
	return &QuestionCache{src: src, cache: cache}
}

// Questions returns the cached set for electionID, loading it on a miss.
// Callers must only ask for elections that are active or closed.
func (c *QuestionCache) Questions(ctx context.Context, electionID string) ([]Question, error) {
	if c.cache != nil {
		if v, found := c.cache.Get(electionID); found {
			return v.([]Question), nil
		}
	}
	qs, err := c.src.Questions(ctx, electionID)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(electionID, qs)
	}
	return qs, nil
}
