// Package escalation turns community signals into moderation outcomes.
// Flags accumulate toward a threshold that grays the post and dings its
// author; crossing_line reactions are a softer objection channel that only
// surfaces posts to moderators, never acts on them.
package escalation

import (
	"context"
	"errors"
	"time"

	"github.com/driftwall/driftwall/internal/identity"
	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/store"
)

// Reaction outcomes.
const (
	ReactionAdded    = "added"
	ReactionReplaced = "replaced"
	ReactionRemoved  = "removed"
)

// authorPenalty is taken off a device's reputation when one of its posts is
// escalated past the flag threshold.
const authorPenalty = 10

type FlagResult struct {
	FlagCount int  `json:"flag_count"`
	Escalated bool `json:"escalated"`
}

type ReactionResult struct {
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
}

type Coordinator struct {
	store    store.Store
	identity *identity.Service

	flagThreshold      int
	objectionThreshold int
}

func NewCoordinator(st store.Store, id *identity.Service, flagThreshold, objectionThreshold int) *Coordinator {
	return &Coordinator{
		store:              st,
		identity:           id,
		flagThreshold:      flagThreshold,
		objectionThreshold: objectionThreshold,
	}
}

// Flag records a community report and escalates when the tally reaches the
// space's threshold. Escalation grays the post out of the default feed and
// penalizes the author's reputation; it fires once, on the crossing flag.
func (c *Coordinator) Flag(ctx context.Context, post model.Post, deviceID int64, reason, details string, threshold int, now time.Time) (FlagResult, error) {
	if threshold <= 0 {
		threshold = c.flagThreshold
	}
	if _, err := c.store.CreateFlag(ctx, &model.Flag{
		PostID:    post.ID,
		DeviceID:  deviceID,
		Reason:    reason,
		Details:   details,
		CreatedAt: now,
	}); err != nil {
		return FlagResult{}, err
	}

	count, err := c.store.CountFlags(ctx, post.ID)
	if err != nil {
		return FlagResult{}, err
	}
	result := FlagResult{FlagCount: count}
	// >= rather than ==: the tally can land past the threshold when flags
	// race, or when a space's threshold was lowered under existing flags.
	if count >= threshold && !post.IsGrayed {
		if err := c.store.GrayPost(ctx, post.ID); err != nil {
			return result, err
		}
		if _, err := c.identity.AdjustReputation(ctx, post.DeviceID, -authorPenalty); err != nil {
			return result, err
		}
		result.Escalated = true
	}
	return result, nil
}

// React applies toggle semantics: the held type submitted again removes the
// reaction, a different type replaces it, no prior reaction adds one.
// crossing_line reactions carry no automatic consequence; the accumulated
// tally reaches moderators through ObjectionablePosts.
func (c *Coordinator) React(ctx context.Context, post model.Post, deviceID int64, reactionType string, now time.Time) (ReactionResult, error) {
	existing, err := c.store.GetReaction(ctx, post.ID, deviceID)
	switch {
	case err == nil && existing.Type == reactionType:
		if err := c.store.DeleteReaction(ctx, post.ID, deviceID); err != nil {
			return ReactionResult{}, err
		}
		if err := c.store.AdjustPostReactionCount(ctx, post.ID, -1); err != nil {
			return ReactionResult{}, err
		}
		return ReactionResult{Status: ReactionRemoved}, nil

	case err == nil:
		if err := c.store.UpdateReactionType(ctx, existing.ID, reactionType); err != nil {
			return ReactionResult{}, err
		}
		return ReactionResult{Status: ReactionReplaced, Type: reactionType}, nil

	case errors.Is(err, store.ErrNotFound):
		if _, err := c.store.CreateReaction(ctx, &model.Reaction{
			PostID:    post.ID,
			DeviceID:  deviceID,
			Type:      reactionType,
			CreatedAt: now,
		}); err != nil {
			// Lost a race with another request from the same device.
			if errors.Is(err, store.ErrDuplicateReaction) {
				return ReactionResult{Status: ReactionAdded, Type: reactionType}, nil
			}
			return ReactionResult{}, err
		}
		if err := c.store.AdjustPostReactionCount(ctx, post.ID, 1); err != nil {
			return ReactionResult{}, err
		}
		return ReactionResult{Status: ReactionAdded, Type: reactionType}, nil

	default:
		return ReactionResult{}, err
	}
}

// ObjectionablePosts lists posts whose crossing_line tally has reached the
// objection threshold. Advisory only: moderators decide what happens next.
func (c *Coordinator) ObjectionablePosts(ctx context.Context, spaceID int64, limit int) ([]model.Post, error) {
	return c.store.ListObjectionablePosts(ctx, spaceID, c.objectionThreshold, limit)
}
