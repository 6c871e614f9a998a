package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Cleanup trigger modes.
const (
	CleanupModeTimer = "timer"
	CleanupModeLazy  = "lazy"
)

type Config struct {
	Addr            string
	DBPath          string
	FingerprintSalt string

	SessionCookie string
	SessionMaxAge time.Duration

	TTL        TTL
	Cleanup    Cleanup
	RateLimits RateLimits
	Reputation Reputation
	Moderation Moderation
	Content    Content

	TokenTTL     time.Duration
	ChallengeTTL time.Duration
}

type TTL struct {
	DefaultHours int
	MinHours     int
	MaxHours     int
}

type Cleanup struct {
	Interval time.Duration
	Mode     string
}

type RateLimits struct {
	// MaxPostsPerHour is the rolling per-device window evaluated by the
	// identity store; the per-minute ceilings are per-IP API limits.
	MaxPostsPerHour   int
	PostPerMinute     int
	ReactionPerMinute int
	FlagPerMinute     int
}

type Reputation struct {
	MinToPost int
	Start     int
}

type Moderation struct {
	WarnScore          int
	FlagThreshold      int
	ObjectionThreshold int
}

type Content struct {
	MaxPostLen  int
	MaxReplyLen int
	MinPostLen  int
}

func Load() Config {
	addr := envString("DRIFTWALL_ADDR", "")
	if addr == "" {
		if port := os.Getenv("PORT"); port != "" {
			addr = ":" + port
		} else {
			addr = ":8080"
		}
	}
	return Config{
		Addr:            addr,
		DBPath:          envString("DRIFTWALL_DB", "driftwall.db"),
		FingerprintSalt: envString("DRIFTWALL_FINGERPRINT_SALT", "dev-fingerprint-salt"),
		SessionCookie:   envString("DRIFTWALL_SESSION_COOKIE", "dw_session"),
		SessionMaxAge:   envDuration("DRIFTWALL_SESSION_MAX_AGE", 7*24*time.Hour),
		TTL: TTL{
			DefaultHours: envInt("DRIFTWALL_TTL_DEFAULT_HOURS", 24),
			MinHours:     envInt("DRIFTWALL_TTL_MIN_HOURS", 1),
			MaxHours:     envInt("DRIFTWALL_TTL_MAX_HOURS", 72),
		},
		Cleanup: Cleanup{
			Interval: envDuration("DRIFTWALL_CLEANUP_INTERVAL", 5*time.Minute),
			Mode:     envString("DRIFTWALL_CLEANUP_MODE", CleanupModeTimer),
		},
		RateLimits: RateLimits{
			MaxPostsPerHour:   envInt("DRIFTWALL_MAX_POSTS_PER_HOUR", 30),
			PostPerMinute:     envInt("DRIFTWALL_RL_POST_PER_MIN", 10),
			ReactionPerMinute: envInt("DRIFTWALL_RL_REACTION_PER_MIN", 30),
			FlagPerMinute:     envInt("DRIFTWALL_RL_FLAG_PER_MIN", 15),
		},
		Reputation: Reputation{
			MinToPost: envInt("DRIFTWALL_MIN_REPUTATION", 10),
			Start:     envInt("DRIFTWALL_START_REPUTATION", 50),
		},
		Moderation: Moderation{
			WarnScore:          envInt("DRIFTWALL_WARN_SCORE", 60),
			FlagThreshold:      envInt("DRIFTWALL_FLAG_THRESHOLD", 5),
			ObjectionThreshold: envInt("DRIFTWALL_OBJECTION_THRESHOLD", 3),
		},
		Content: Content{
			MaxPostLen:  envInt("DRIFTWALL_MAX_POST_LEN", 1000),
			MaxReplyLen: envInt("DRIFTWALL_MAX_REPLY_LEN", 500),
			MinPostLen:  envInt("DRIFTWALL_MIN_POST_LEN", 3),
		},
		TokenTTL:     envDuration("DRIFTWALL_TOKEN_TTL", 24*time.Hour),
		ChallengeTTL: envDuration("DRIFTWALL_CHALLENGE_TTL", 5*time.Minute),
	}
}

// Validate checks every tunable's range. Services are constructed from a
// validated Config only.
func (c Config) Validate() error {
	if c.FingerprintSalt == "" {
		return fmt.Errorf("fingerprint salt must not be empty")
	}
	if c.TTL.MinHours < 1 || c.TTL.MaxHours > 168 || c.TTL.MinHours > c.TTL.MaxHours {
		return fmt.Errorf("ttl bounds out of range: min=%d max=%d", c.TTL.MinHours, c.TTL.MaxHours)
	}
	if c.TTL.DefaultHours < c.TTL.MinHours || c.TTL.DefaultHours > c.TTL.MaxHours {
		return fmt.Errorf("default ttl %dh outside [%dh, %dh]", c.TTL.DefaultHours, c.TTL.MinHours, c.TTL.MaxHours)
	}
	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	if c.Cleanup.Mode != CleanupModeTimer && c.Cleanup.Mode != CleanupModeLazy {
		return fmt.Errorf("cleanup mode must be %q or %q", CleanupModeTimer, CleanupModeLazy)
	}
	if c.RateLimits.MaxPostsPerHour <= 0 {
		return fmt.Errorf("max posts per hour must be positive")
	}
	if c.Reputation.MinToPost < 0 || c.Reputation.MinToPost > 100 {
		return fmt.Errorf("reputation floor %d outside [0, 100]", c.Reputation.MinToPost)
	}
	if c.Reputation.Start < 0 || c.Reputation.Start > 100 {
		return fmt.Errorf("starting reputation %d outside [0, 100]", c.Reputation.Start)
	}
	if c.Moderation.WarnScore <= 0 || c.Moderation.WarnScore > 100 {
		return fmt.Errorf("warn score %d outside (0, 100]", c.Moderation.WarnScore)
	}
	if c.Moderation.FlagThreshold <= 0 || c.Moderation.ObjectionThreshold <= 0 {
		return fmt.Errorf("moderation thresholds must be positive")
	}
	if c.Content.MinPostLen < 1 || c.Content.MaxPostLen < c.Content.MinPostLen || c.Content.MaxReplyLen < 1 {
		return fmt.Errorf("content length bounds invalid")
	}
	return nil
}

// ClampTTL bounds a requested space TTL into the configured range; zero
// selects the default.
func (c Config) ClampTTL(hours int) int {
	if hours == 0 {
		return c.TTL.DefaultHours
	}
	if hours < c.TTL.MinHours {
		return c.TTL.MinHours
	}
	if hours > c.TTL.MaxHours {
		return c.TTL.MaxHours
	}
	return hours
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
