package tasks

import (
	"context"
	"sort"

	"github.com/ShayCichocki/foreman/internal/state"
	"github.com/ShayCichocki/foreman/pkg/models"
)

// Query combines the filter projections. Zero fields do not constrain.
type Query struct {
	Status        models.TaskStatus
	Tags          []string
	MatchAll      bool
	MinPriority   *int
	MaxPriority   *int
	ClaimedBy     string
	AvailableOnly bool
	Limit         int
}

// Match reports whether t satisfies every set field of q.
func (q Query) Match(t *models.Task) bool {
	if q.Status != "" && t.Status != q.Status {
		return false
	}
	if q.AvailableOnly && !t.Available() {
		return false
	}
	if q.ClaimedBy != "" && t.ClaimedBy != q.ClaimedBy {
		return false
	}
	if q.MinPriority != nil && t.Priority < *q.MinPriority {
		return false
	}
	if q.MaxPriority != nil && t.Priority > *q.MaxPriority {
		return false
	}
	return matchTags(t, q.Tags, q.MatchAll)
}

func matchTags(t *models.Task, tags []string, all bool) bool {
	if len(tags) == 0 {
		return true
	}
	for _, tag := range tags {
		has := t.HasTag(tag)
		if all && !has {
			return false
		}
		if !all && has {
			return true
		}
	}
	return all
}

// Filter answers read-only questions about the task pool. Results are taken
// from a snapshot of the store and never mutate it.
type Filter struct {
	store state.TaskStore
}

// NewFilter creates a Filter over store.
func NewFilter(store state.TaskStore) *Filter {
	return &Filter{store: store}
}

// Query returns the tasks matching q, highest priority first, then oldest.
// Query tags are normalized the way stored tags are, so padded or blank
// entries do not hide matches.
func (f *Filter) Query(ctx context.Context, q Query) ([]models.Task, error) {
	q.Tags = models.NormalizeTags(q.Tags)
	all, err := f.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0, len(all))
	for i := range all {
		if q.Match(&all[i]) {
			out = append(out, all[i])
		}
	}
	sortTasks(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ByStatus returns tasks in status s.
func (f *Filter) ByStatus(ctx context.Context, s models.TaskStatus) ([]models.Task, error) {
	return f.Query(ctx, Query{Status: s})
}

// ByTag returns tasks carrying any of tags, or all of them when matchAll is set.
func (f *Filter) ByTag(ctx context.Context, tags []string, matchAll bool) ([]models.Task, error) {
	return f.Query(ctx, Query{Tags: tags, MatchAll: matchAll})
}

// ByPriority returns tasks with lo <= priority <= hi. A nil bound is open.
func (f *Filter) ByPriority(ctx context.Context, lo, hi *int) ([]models.Task, error) {
	return f.Query(ctx, Query{MinPriority: lo, MaxPriority: hi})
}

// Available returns pending tasks with no owner.
func (f *Filter) Available(ctx context.Context) ([]models.Task, error) {
	return f.Query(ctx, Query{AvailableOnly: true})
}

// ByClaimer returns the tasks currently claimed by claimerID.
func (f *Filter) ByClaimer(ctx context.Context, claimerID string) ([]models.Task, error) {
	return f.Query(ctx, Query{ClaimedBy: claimerID})
}

func sortTasks(ts []models.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority > ts[j].Priority
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
