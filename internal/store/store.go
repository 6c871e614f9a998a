package store

import (
	"context"
	"errors"
	"time"

	"github.com/driftwall/driftwall/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateFlag     = errors.New("duplicate flag")
	ErrDuplicateReaction = errors.New("duplicate reaction")
	ErrDuplicateSlug     = errors.New("duplicate slug")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrDuplicateDevice   = errors.New("duplicate device")
)

// FeedOpts selects a page of the chronological feed. Before is an exclusive
// created-at cursor: only posts strictly older than it are returned, which
// keeps pagination stable under concurrent inserts.
type FeedOpts struct {
	SpaceID       int64
	Limit         int
	Before        *time.Time
	IncludeGrayed bool
	Now           time.Time
}

type Store interface {
	DeviceStore
	SpaceStore
	PostStore
	ReplyStore
	ReactionStore
	FlagStore
	ModeratorStore
	Ping(ctx context.Context) error
	Close() error
}

type DeviceStore interface {
	FindDeviceByHash(ctx context.Context, hash string) (model.Device, error)
	GetDevice(ctx context.Context, id int64) (model.Device, error)
	CreateDevice(ctx context.Context, device *model.Device) (int64, error)
	TouchDeviceSeen(ctx context.Context, id int64, now time.Time) error
	RecordDevicePost(ctx context.Context, id int64, now time.Time, windowCount int) error
	SetDeviceReputation(ctx context.Context, id int64, score int) error
	SetDeviceBan(ctx context.Context, id int64, banned bool, reason string, expiresAt *time.Time) error
}

type SpaceStore interface {
	CreateSpace(ctx context.Context, space *model.Space) (int64, error)
	GetSpace(ctx context.Context, id int64) (model.Space, error)
	GetSpaceBySlug(ctx context.Context, slug string) (model.Space, error)
	ListSpaces(ctx context.Context, limit int) ([]model.Space, error)
}

type PostStore interface {
	CreatePost(ctx context.Context, post *model.Post) (int64, error)
	GetPost(ctx context.Context, id int64) (model.Post, error)
	GetVisiblePost(ctx context.Context, id, spaceID int64, now time.Time) (model.Post, error)
	ListFeed(ctx context.Context, opts FeedOpts) ([]model.Post, error)
	HidePost(ctx context.Context, id int64, reason string) error
	GrayPost(ctx context.Context, id int64) error
	ListFlaggedPosts(ctx context.Context, spaceID int64, minFlags, limit int) ([]model.Post, error)
	ListObjectionablePosts(ctx context.Context, spaceID int64, threshold, limit int) ([]model.Post, error)

	// TTL sweep primitives. DeleteExpired removes every post whose expiry has
	// passed in a single statement, relying on ON DELETE CASCADE for replies,
	// reactions, and flags. DeleteExpiredDirect removes the children
	// explicitly first; the sweeper falls back to it when the cascade path
	// fails. Both are no-ops when nothing has expired.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredDirect(ctx context.Context, now time.Time) (int64, error)
	CountExpired(ctx context.Context, now time.Time) (int64, error)
	ExpirationStats(ctx context.Context, spaceID int64, now time.Time) (model.ExpirationStats, error)
}

type ReplyStore interface {
	// CreateReply inserts the reply and bumps the parent's reply_count in the
	// same transaction.
	CreateReply(ctx context.Context, reply *model.Reply) (int64, error)
	GetReply(ctx context.Context, id int64) (model.Reply, error)
	ListReplies(ctx context.Context, postID int64, includeHidden bool, limit int) ([]model.Reply, error)
	HideReply(ctx context.Context, id int64) error
}

type ReactionStore interface {
	GetReaction(ctx context.Context, postID, deviceID int64) (model.Reaction, error)
	CreateReaction(ctx context.Context, reaction *model.Reaction) (int64, error)
	UpdateReactionType(ctx context.Context, id int64, reactionType string) error
	DeleteReaction(ctx context.Context, postID, deviceID int64) error
	CountReactions(ctx context.Context, postID int64, reactionType string) (int, error)
	ListDeviceReactions(ctx context.Context, deviceID int64, postIDs []int64) (map[int64]string, error)
	AdjustPostReactionCount(ctx context.Context, postID int64, delta int) error
}

type FlagStore interface {
	// CreateFlag inserts the flag and bumps the post's flag_count in the same
	// transaction; a second flag from the same device fails with
	// ErrDuplicateFlag and leaves the tally untouched.
	CreateFlag(ctx context.Context, flag *model.Flag) (int64, error)
	CountFlags(ctx context.Context, postID int64) (int, error)
}

type ModeratorStore interface {
	CreateModerator(ctx context.Context, mod *model.Moderator, key *model.ModeratorKey) (modID, keyID int64, err error)
	FindModeratorKey(ctx context.Context, alg, publicKey string) (model.ModeratorKey, *model.Moderator, error)
	CreateChallenge(ctx context.Context, c model.Challenge) error
	ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error)
	CreateToken(ctx context.Context, token model.Token) error
	GetToken(ctx context.Context, token string) (model.Token, error)
}
