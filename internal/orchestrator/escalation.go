package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// CreateEscalationChain replaces any chain held by id with levels, consulted
// in order. The chain gets the registry's TTL, if one is configured.
func (r *HierarchyRegistry) CreateEscalationChain(ctx context.Context, id string, levels []string) (*models.EscalationChain, error) {
	if len(levels) == 0 {
		return nil, models.NewError(models.ErrInvalidArgument, "create escalation chain", id, "at least one level is required")
	}
	for _, l := range levels {
		if l == "" {
			return nil, models.NewError(models.ErrInvalidArgument, "create escalation chain", id, "empty level")
		}
	}
	now := r.now().UTC()
	chain := &models.EscalationChain{
		CoordinatorID: id,
		Levels:        append([]string(nil), levels...),
		CreatedAt:     now,
	}
	if r.chainTTL > 0 {
		exp := now.Add(r.chainTTL)
		chain.ExpiresAt = &exp
	}
	if err := r.store.PutEscalationChain(ctx, chain); err != nil {
		return nil, err
	}
	r.escLogger.Log("chain for %s set to %v", id, levels)
	return chain, nil
}

// Chain returns the escalation chain held by id.
func (r *HierarchyRegistry) Chain(ctx context.Context, id string) (*models.EscalationChain, error) {
	return r.store.GetEscalationChain(ctx, id)
}

// Escalate routes issue to the next level of id's chain.
//
// A nil record with a nil error means there is no further escalation: id has
// no chain, its chain expired, or every level has already been consulted.
func (r *HierarchyRegistry) Escalate(ctx context.Context, id, issue string) (*models.EscalationRecord, error) {
	now := r.now().UTC()
	rec, err := r.store.AdvanceEscalation(ctx, id, func(chain *models.EscalationChain) (*models.EscalationRecord, error) {
		if chain == nil || chain.Expired(now) || chain.Exhausted() {
			return nil, nil
		}
		rec := &models.EscalationRecord{
			ID:        uuid.New().String(),
			From:      id,
			To:        chain.Levels[chain.Position],
			Issue:     issue,
			Level:     chain.Position + 1,
			CreatedAt: now,
		}
		chain.Position++
		return rec, nil
	})
	if err != nil {
		r.hooks.EscalationResult("error")
		r.escLogger.Log("escalate from %s failed: %v", id, err)
		return nil, err
	}
	if rec == nil {
		r.hooks.EscalationResult("exhausted")
		r.escLogger.Log("no further escalation for %s: %s", id, issue)
		return nil, nil
	}
	r.hooks.EscalationResult("routed")
	r.escLogger.Log("%s escalated to %s (level %d): %s", id, rec.To, rec.Level, issue)
	return rec, nil
}

// EscalationQueue returns the records routed to id. With drain set the queue
// is emptied in the same step.
func (r *HierarchyRegistry) EscalationQueue(ctx context.Context, id string, drain bool) ([]models.EscalationRecord, error) {
	return r.store.EscalationQueue(ctx, id, drain)
}

// EscalationHistory returns the records id has raised, oldest first.
func (r *HierarchyRegistry) EscalationHistory(ctx context.Context, id string) ([]models.EscalationRecord, error) {
	return r.store.EscalationHistory(ctx, id)
}

// ExpireChains deletes chains whose expiry has passed and returns their owners.
func (r *HierarchyRegistry) ExpireChains(ctx context.Context, now time.Time) ([]string, error) {
	chains, err := r.store.ListEscalationChains(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for i := range chains {
		if !chains[i].Expired(now) {
			continue
		}
		if err := r.store.DeleteEscalationChain(ctx, chains[i].CoordinatorID); err != nil {
			return removed, err
		}
		removed = append(removed, chains[i].CoordinatorID)
	}
	if len(removed) > 0 {
		r.escLogger.Log("expired %d chain(s): %v", len(removed), removed)
	}
	return removed, nil
}
