package model

import "time"

// Reaction types are the only interactions a post accepts. There are no
// like counts; each type carries meaning on its own.
const (
	ReactionAgree        = "agree"
	ReactionNotAlone     = "not_alone"
	ReactionExaggerated  = "exaggerated"
	ReactionCrossingLine = "crossing_line"
)

var ReactionTypes = []string{
	ReactionAgree,
	ReactionNotAlone,
	ReactionExaggerated,
	ReactionCrossingLine,
}

func IsValidReactionType(t string) bool {
	for _, v := range ReactionTypes {
		if v == t {
			return true
		}
	}
	return false
}

var FlagReasons = []string{
	"spam",
	"harassment",
	"hate_speech",
	"threat",
	"doxxing",
	"nsfw",
	"other",
}

func IsValidFlagReason(r string) bool {
	for _, v := range FlagReasons {
		if v == r {
			return true
		}
	}
	return false
}

// Device is the anonymous soft identity behind every post. It is keyed by a
// salted fingerprint hash and is never deleted, even as its content expires.
type Device struct {
	ID              int64      `json:"id"`
	FingerprintHash string     `json:"-"`
	ReputationScore int        `json:"reputation_score"`
	TotalPosts      int64      `json:"total_posts"`
	IsBanned        bool       `json:"is_banned"`
	BanReason       string     `json:"ban_reason,omitempty"`
	BanExpiresAt    *time.Time `json:"ban_expires_at,omitempty"`
	LastPostAt      *time.Time `json:"last_post_at,omitempty"`
	PostsInWindow   int        `json:"posts_in_window"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
}

// Space is a community wall. TTLHours bounds the lifetime of every post
// created in it; changing it later never touches existing posts.
type Space struct {
	ID             int64     `json:"id"`
	Slug           string    `json:"slug"`
	DisplayName    string    `json:"display_name"`
	Description    string    `json:"description,omitempty"`
	TTLHours       int       `json:"ttl_hours"`
	FlagThreshold  int       `json:"flag_threshold"`
	AutoModEnabled bool      `json:"auto_mod_enabled"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Post is ephemeral content. ExpiresAt is fixed at creation and the TTL
// sweep hard-deletes the row (and its replies, reactions, and flags) once it
// passes. DeviceID and SessionToken are internal; callers only ever see the
// derived is_own flag.
type Post struct {
	ID            int64     `json:"id"`
	SpaceID       int64     `json:"space_id"`
	DeviceID      int64     `json:"-"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsVisible     bool      `json:"-"`
	IsGrayed      bool      `json:"is_grayed"`
	ModAction     string    `json:"-"`
	ReactionCount int       `json:"reaction_count"`
	ReplyCount    int       `json:"reply_count"`
	FlagCount     int       `json:"-"`
	SessionToken  string    `json:"-"`
}

// Reply inherits its parent post's lifetime; it has no expiry of its own and
// is removed by cascade when the post is deleted.
type Reply struct {
	ID           int64     `json:"id"`
	PostID       int64     `json:"post_id"`
	DeviceID     int64     `json:"-"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
	IsVisible    bool      `json:"-"`
	FlagCount    int       `json:"-"`
	SessionToken string    `json:"-"`
}

// Reaction holds at most one row per (post, device); submitting the held
// type again removes it, a different type replaces it.
type Reaction struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	DeviceID  int64     `json:"-"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Flag is a community report. A device may flag a post at most once.
type Flag struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	DeviceID  int64     `json:"-"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Moderator accounts authenticate with registered public keys, never
// passwords; moderation is the only credentialed surface.
type Moderator struct {
	ID          int64     `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type ModeratorKey struct {
	ID          int64      `json:"id"`
	ModeratorID int64      `json:"moderator_id"`
	Alg         string     `json:"alg"`
	PublicKey   string     `json:"public_key"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

type Challenge struct {
	Challenge string    `json:"challenge"`
	Alg       string    `json:"alg"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Token struct {
	Token       string    `json:"token"`
	ModeratorID int64     `json:"moderator_id"`
	KeyID       int64     `json:"key_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ExpirationStats summarizes expiry pressure for a space.
type ExpirationStats struct {
	Expired      int64 `json:"expired"`
	ExpiringIn1h int64 `json:"expiring_1h"`
	ExpiringIn6h int64 `json:"expiring_6h"`
	Expiring24h  int64 `json:"expiring_24h"`
	Total        int64 `json:"total"`
}
