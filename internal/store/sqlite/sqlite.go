package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/store"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
//
// Timestamps are stored as Unix nanoseconds so the created_at feed cursor
// never collides under rapid inserts.
var migrations = []string{
	// Migration 1: Initial schema
	`
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint_hash TEXT NOT NULL,
	reputation_score INTEGER NOT NULL DEFAULT 50,
	total_posts INTEGER NOT NULL DEFAULT 0,
	is_banned INTEGER NOT NULL DEFAULT 0,
	ban_reason TEXT,
	ban_expires_at INTEGER,
	last_post_at INTEGER,
	posts_in_window INTEGER NOT NULL DEFAULT 0,
	first_seen_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_devices_fingerprint ON devices(fingerprint_hash);

CREATE TABLE IF NOT EXISTS spaces (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL,
	display_name TEXT NOT NULL,
	description TEXT,
	ttl_hours INTEGER NOT NULL,
	flag_threshold INTEGER NOT NULL DEFAULT 5,
	auto_mod_enabled INTEGER NOT NULL DEFAULT 1,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_spaces_slug ON spaces(slug);

CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	space_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	is_visible INTEGER NOT NULL DEFAULT 1,
	is_grayed INTEGER NOT NULL DEFAULT 0,
	mod_action TEXT,
	reaction_count INTEGER NOT NULL DEFAULT 0,
	reply_count INTEGER NOT NULL DEFAULT 0,
	flag_count INTEGER NOT NULL DEFAULT 0,
	session_token TEXT,
	FOREIGN KEY(space_id) REFERENCES spaces(id) ON DELETE CASCADE,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);
CREATE INDEX IF NOT EXISTS idx_posts_space_expires ON posts(space_id, expires_at);
CREATE INDEX IF NOT EXISTS idx_posts_space_created ON posts(space_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_posts_expires ON posts(expires_at);

CREATE TABLE IF NOT EXISTS replies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	is_visible INTEGER NOT NULL DEFAULT 1,
	flag_count INTEGER NOT NULL DEFAULT 0,
	session_token TEXT,
	FOREIGN KEY(post_id) REFERENCES posts(id) ON DELETE CASCADE,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);
CREATE INDEX IF NOT EXISTS idx_replies_post_id ON replies(post_id);

CREATE TABLE IF NOT EXISTS reactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(post_id) REFERENCES posts(id) ON DELETE CASCADE,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reactions_unique ON reactions(post_id, device_id);

CREATE TABLE IF NOT EXISTS flags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id INTEGER NOT NULL,
	device_id INTEGER NOT NULL,
	reason TEXT NOT NULL,
	details TEXT,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(post_id) REFERENCES posts(id) ON DELETE CASCADE,
	FOREIGN KEY(device_id) REFERENCES devices(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_flags_unique ON flags(post_id, device_id);

CREATE TABLE IF NOT EXISTS moderators (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	display_name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS moderator_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	moderator_id INTEGER NOT NULL,
	alg TEXT NOT NULL,
	public_key TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	revoked_at INTEGER,
	FOREIGN KEY(moderator_id) REFERENCES moderators(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_moderator_keys_unique ON moderator_keys(alg, public_key);

CREATE TABLE IF NOT EXISTS auth_challenges (
	challenge TEXT PRIMARY KEY,
	alg TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_tokens (
	token TEXT PRIMARY KEY,
	moderator_id INTEGER NOT NULL,
	key_id INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`,
	// Future migrations go here:
	// Migration 2: `ALTER TABLE ...`,
}

func applySchema(db *sql.DB) error {
	// Create schema_version table to track migrations
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	// Get current version
	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	// Apply pending migrations
	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

// --- devices ---

func (s *Store) FindDeviceByHash(ctx context.Context, hash string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, fingerprint_hash, reputation_score, total_posts, is_banned, ban_reason, ban_expires_at, last_post_at, posts_in_window, first_seen_at, last_seen_at
FROM devices
WHERE fingerprint_hash = ?
LIMIT 1
`, hash)
	return scanDevice(row)
}

func (s *Store) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, fingerprint_hash, reputation_score, total_posts, is_banned, ban_reason, ban_expires_at, last_post_at, posts_in_window, first_seen_at, last_seen_at
FROM devices
WHERE id = ?
`, id)
	return scanDevice(row)
}

func (s *Store) CreateDevice(ctx context.Context, device *model.Device) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO devices (fingerprint_hash, reputation_score, total_posts, is_banned, ban_reason, ban_expires_at, last_post_at, posts_in_window, first_seen_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, device.FingerprintHash, device.ReputationScore, device.TotalPosts, boolToInt(device.IsBanned),
		nullIfEmpty(device.BanReason), nullableTime(device.BanExpiresAt), nullableTime(device.LastPostAt),
		device.PostsInWindow, device.FirstSeenAt.UnixNano(), device.LastSeenAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateDevice
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) TouchDeviceSeen(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = ? WHERE id = ?`, now.UnixNano(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RecordDevicePost(ctx context.Context, id int64, now time.Time, windowCount int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE devices
SET total_posts = total_posts + 1, last_post_at = ?, posts_in_window = ?, last_seen_at = ?
WHERE id = ?
`, now.UnixNano(), windowCount, now.UnixNano(), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetDeviceReputation(ctx context.Context, id int64, score int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET reputation_score = ? WHERE id = ?`, score, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetDeviceBan(ctx context.Context, id int64, banned bool, reason string, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE devices SET is_banned = ?, ban_reason = ?, ban_expires_at = ? WHERE id = ?
`, boolToInt(banned), nullIfEmpty(reason), nullableTime(expiresAt), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- spaces ---

func (s *Store) CreateSpace(ctx context.Context, space *model.Space) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO spaces (slug, display_name, description, ttl_hours, flag_threshold, auto_mod_enabled, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, space.Slug, space.DisplayName, nullIfEmpty(space.Description), space.TTLHours,
		space.FlagThreshold, boolToInt(space.AutoModEnabled), boolToInt(space.IsActive), space.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateSlug
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetSpace(ctx context.Context, id int64) (model.Space, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, slug, display_name, description, ttl_hours, flag_threshold, auto_mod_enabled, is_active, created_at
FROM spaces
WHERE id = ?
`, id)
	return scanSpace(row)
}

func (s *Store) GetSpaceBySlug(ctx context.Context, slug string) (model.Space, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, slug, display_name, description, ttl_hours, flag_threshold, auto_mod_enabled, is_active, created_at
FROM spaces
WHERE slug = ?
LIMIT 1
`, slug)
	return scanSpace(row)
}

func (s *Store) ListSpaces(ctx context.Context, limit int) ([]model.Space, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, slug, display_name, description, ttl_hours, flag_threshold, auto_mod_enabled, is_active, created_at
FROM spaces
WHERE is_active = 1
ORDER BY created_at ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spaces []model.Space
	for rows.Next() {
		sp, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, sp)
	}
	return spaces, rows.Err()
}

// --- posts ---

const postColumns = `id, space_id, device_id, content, created_at, expires_at, is_visible, is_grayed, mod_action, reaction_count, reply_count, flag_count, session_token`

func (s *Store) CreatePost(ctx context.Context, post *model.Post) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO posts (space_id, device_id, content, created_at, expires_at, is_visible, is_grayed, mod_action, reaction_count, reply_count, flag_count, session_token)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, post.SpaceID, post.DeviceID, post.Content, post.CreatedAt.UnixNano(), post.ExpiresAt.UnixNano(),
		boolToInt(post.IsVisible), boolToInt(post.IsGrayed), nullIfEmpty(post.ModAction),
		post.ReactionCount, post.ReplyCount, post.FlagCount, nullIfEmpty(post.SessionToken))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetPost(ctx context.Context, id int64) (model.Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	return scanPost(row)
}

// GetVisiblePost returns the post only if it is visible, unexpired, and
// belongs to the given space. Expired rows awaiting the sweep are treated as
// already gone.
func (s *Store) GetVisiblePost(ctx context.Context, id, spaceID int64, now time.Time) (model.Post, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+postColumns+`
FROM posts
WHERE id = ? AND space_id = ? AND is_visible = 1 AND expires_at > ?
LIMIT 1
`, id, spaceID, now.UnixNano())
	return scanPost(row)
}

func (s *Store) ListFeed(ctx context.Context, opts store.FeedOpts) ([]model.Post, error) {
	limit := clamp(opts.Limit, 1, 100)
	where := `space_id = ? AND is_visible = 1 AND expires_at > ?`
	args := []any{opts.SpaceID, opts.Now.UnixNano()}
	if !opts.IncludeGrayed {
		where += ` AND is_grayed = 0`
	}
	if opts.Before != nil {
		where += ` AND created_at < ?`
		args = append(args, opts.Before.UnixNano())
	}
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postColumns+`
FROM posts
WHERE `+where+`
ORDER BY created_at DESC
LIMIT ?
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *Store) HidePost(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE posts SET is_visible = 0, mod_action = ? WHERE id = ?
`, nullIfEmpty(reason), id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GrayPost(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET is_grayed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListFlaggedPosts(ctx context.Context, spaceID int64, minFlags, limit int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postColumns+`
FROM posts
WHERE space_id = ? AND flag_count >= ? AND is_visible = 1
ORDER BY flag_count DESC, created_at DESC
LIMIT ?
`, spaceID, minFlags, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// ListObjectionablePosts surfaces posts whose crossing_line reaction tally
// has reached the objection threshold. The signal is advisory: nothing is
// hidden on it, the listing is how moderators find these posts.
func (s *Store) ListObjectionablePosts(ctx context.Context, spaceID int64, threshold, limit int) ([]model.Post, error) {
	if threshold <= 0 {
		threshold = 1
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+postColumns+`
FROM posts
WHERE space_id = ? AND is_visible = 1 AND id IN (
	SELECT post_id FROM reactions WHERE type = ? GROUP BY post_id HAVING COUNT(*) >= ?
)
ORDER BY created_at DESC
LIMIT ?
`, spaceID, model.ReactionCrossingLine, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredDirect removes children of expired posts row by row before
// the posts themselves. It exists as a fallback for when the cascade path
// fails, e.g. a database opened without foreign_keys enabled.
func (s *Store) DeleteExpiredDirect(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cutoff := now.UnixNano()
	if _, err = tx.ExecContext(ctx, `DELETE FROM replies WHERE post_id IN (SELECT id FROM posts WHERE expires_at <= ?)`, cutoff); err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM reactions WHERE post_id IN (SELECT id FROM posts WHERE expires_at <= ?)`, cutoff); err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM flags WHERE post_id IN (SELECT id FROM posts WHERE expires_at <= ?)`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE expires_at <= ?`, now.UnixNano()).Scan(&count)
	return count, err
}

func (s *Store) ExpirationStats(ctx context.Context, spaceID int64, now time.Time) (model.ExpirationStats, error) {
	var stats model.ExpirationStats
	n := now.UnixNano()
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(CASE WHEN expires_at <= ? THEN 1 END),
	COUNT(CASE WHEN expires_at > ? AND expires_at <= ? THEN 1 END),
	COUNT(CASE WHEN expires_at > ? AND expires_at <= ? THEN 1 END),
	COUNT(CASE WHEN expires_at > ? AND expires_at <= ? THEN 1 END),
	COUNT(*)
FROM posts
WHERE space_id = ?
`, n,
		n, now.Add(time.Hour).UnixNano(),
		n, now.Add(6*time.Hour).UnixNano(),
		n, now.Add(24*time.Hour).UnixNano(),
		spaceID).Scan(&stats.Expired, &stats.ExpiringIn1h, &stats.ExpiringIn6h, &stats.Expiring24h, &stats.Total)
	return stats, err
}

// --- replies ---

func (s *Store) CreateReply(ctx context.Context, reply *model.Reply) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO replies (post_id, device_id, content, created_at, is_visible, flag_count, session_token)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, reply.PostID, reply.DeviceID, reply.Content, reply.CreatedAt.UnixNano(),
		boolToInt(reply.IsVisible), reply.FlagCount, nullIfEmpty(reply.SessionToken))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE posts SET reply_count = reply_count + 1 WHERE id = ?`, reply.PostID); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetReply(ctx context.Context, id int64) (model.Reply, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, post_id, device_id, content, created_at, is_visible, flag_count, session_token
FROM replies
WHERE id = ?
`, id)
	return scanReply(row)
}

func (s *Store) ListReplies(ctx context.Context, postID int64, includeHidden bool, limit int) ([]model.Reply, error) {
	if limit <= 0 {
		limit = 100
	}
	where := `post_id = ?`
	if !includeHidden {
		where += ` AND is_visible = 1`
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, post_id, device_id, content, created_at, is_visible, flag_count, session_token
FROM replies
WHERE `+where+`
ORDER BY created_at ASC
LIMIT ?
`, postID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replies []model.Reply
	for rows.Next() {
		r, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

func (s *Store) HideReply(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE replies SET is_visible = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- reactions ---

func (s *Store) GetReaction(ctx context.Context, postID, deviceID int64) (model.Reaction, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, post_id, device_id, type, created_at
FROM reactions
WHERE post_id = ? AND device_id = ?
LIMIT 1
`, postID, deviceID)
	var r model.Reaction
	var created int64
	if err := row.Scan(&r.ID, &r.PostID, &r.DeviceID, &r.Type, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reaction{}, store.ErrNotFound
		}
		return model.Reaction{}, err
	}
	r.CreatedAt = time.Unix(0, created)
	return r, nil
}

func (s *Store) CreateReaction(ctx context.Context, reaction *model.Reaction) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO reactions (post_id, device_id, type, created_at)
VALUES (?, ?, ?, ?)
`, reaction.PostID, reaction.DeviceID, reaction.Type, reaction.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateReaction
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateReactionType(ctx context.Context, id int64, reactionType string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reactions SET type = ? WHERE id = ?`, reactionType, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteReaction(ctx context.Context, postID, deviceID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reactions WHERE post_id = ? AND device_id = ?`, postID, deviceID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountReactions(ctx context.Context, postID int64, reactionType string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM reactions WHERE post_id = ? AND type = ?
`, postID, reactionType).Scan(&count)
	return count, err
}

func (s *Store) ListDeviceReactions(ctx context.Context, deviceID int64, postIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(postIDs))
	if len(postIDs) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(postIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(postIDs)+1)
	args = append(args, deviceID)
	for _, id := range postIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT post_id, type FROM reactions WHERE device_id = ? AND post_id IN (`+placeholders+`)
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var postID int64
		var typ string
		if err := rows.Scan(&postID, &typ); err != nil {
			return nil, err
		}
		out[postID] = typ
	}
	return out, rows.Err()
}

func (s *Store) AdjustPostReactionCount(ctx context.Context, postID int64, delta int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE posts SET reaction_count = MAX(0, reaction_count + ?) WHERE id = ?
`, delta, postID)
	return err
}

// --- flags ---

func (s *Store) CreateFlag(ctx context.Context, flag *model.Flag) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO flags (post_id, device_id, reason, details, created_at)
VALUES (?, ?, ?, ?, ?)
`, flag.PostID, flag.DeviceID, flag.Reason, nullIfEmpty(flag.Details), flag.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			err = store.ErrDuplicateFlag
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE posts SET flag_count = flag_count + 1 WHERE id = ?`, flag.PostID); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) CountFlags(ctx context.Context, postID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flags WHERE post_id = ?`, postID).Scan(&count)
	return count, err
}

// --- moderators ---

func (s *Store) CreateModerator(ctx context.Context, mod *model.Moderator, key *model.ModeratorKey) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
INSERT INTO moderators (display_name, created_at)
VALUES (?, ?)
`, mod.DisplayName, mod.CreatedAt.UnixNano())
	if err != nil {
		return 0, 0, err
	}
	modID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}
	res, err = tx.ExecContext(ctx, `
INSERT INTO moderator_keys (moderator_id, alg, public_key, created_at, revoked_at)
VALUES (?, ?, ?, ?, NULL)
`, modID, key.Alg, key.PublicKey, key.CreatedAt.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			err = store.ErrDuplicateKey
		}
		return 0, 0, err
	}
	keyID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, err
	}
	return modID, keyID, nil
}

func (s *Store) FindModeratorKey(ctx context.Context, alg, publicKey string) (model.ModeratorKey, *model.Moderator, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT k.id, k.moderator_id, k.alg, k.public_key, k.created_at, k.revoked_at,
	m.id, m.display_name, m.created_at
FROM moderator_keys k
LEFT JOIN moderators m ON m.id = k.moderator_id
WHERE k.alg = ? AND k.public_key = ?
LIMIT 1
`, alg, publicKey)
	var k model.ModeratorKey
	var m model.Moderator
	var created int64
	var revoked sql.NullInt64
	var displayName sql.NullString
	var modCreated sql.NullInt64
	if err := row.Scan(&k.ID, &k.ModeratorID, &k.Alg, &k.PublicKey, &created, &revoked, &m.ID, &displayName, &modCreated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ModeratorKey{}, nil, store.ErrNotFound
		}
		return model.ModeratorKey{}, nil, err
	}
	k.CreatedAt = time.Unix(0, created)
	if revoked.Valid {
		t := time.Unix(0, revoked.Int64)
		k.RevokedAt = &t
	}
	if modCreated.Valid {
		if displayName.Valid {
			m.DisplayName = displayName.String
		}
		m.CreatedAt = time.Unix(0, modCreated.Int64)
		return k, &m, nil
	}
	return k, nil, nil
}

func (s *Store) CreateChallenge(ctx context.Context, c model.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_challenges (challenge, alg, expires_at, created_at)
VALUES (?, ?, ?, ?)
`, c.Challenge, c.Alg, c.ExpiresAt.UnixNano(), time.Now().UnixNano())
	return err
}

func (s *Store) ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT challenge, alg, expires_at
FROM auth_challenges
WHERE challenge = ?
`, challenge)
	var c model.Challenge
	var expires int64
	if err := row.Scan(&c.Challenge, &c.Alg, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, store.ErrNotFound
		}
		return model.Challenge{}, err
	}
	c.ExpiresAt = time.Unix(0, expires)
	_, _ = s.db.ExecContext(ctx, `DELETE FROM auth_challenges WHERE challenge = ?`, challenge)
	return c, nil
}

func (s *Store) CreateToken(ctx context.Context, token model.Token) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_tokens (token, moderator_id, key_id, expires_at, created_at)
VALUES (?, ?, ?, ?, ?)
`, token.Token, token.ModeratorID, token.KeyID, token.ExpiresAt.UnixNano(), time.Now().UnixNano())
	return err
}

func (s *Store) GetToken(ctx context.Context, token string) (model.Token, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT token, moderator_id, key_id, expires_at
FROM auth_tokens
WHERE token = ?
`, token)
	var t model.Token
	var expires int64
	if err := row.Scan(&t.Token, &t.ModeratorID, &t.KeyID, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Token{}, store.ErrNotFound
		}
		return model.Token{}, err
	}
	t.ExpiresAt = time.Unix(0, expires)
	return t, nil
}

// --- helpers ---

func scanDevice(scanner interface{ Scan(dest ...any) error }) (model.Device, error) {
	var d model.Device
	var banReason sql.NullString
	var banExpires sql.NullInt64
	var lastPost sql.NullInt64
	var banned int
	var firstSeen, lastSeen int64
	if err := scanner.Scan(&d.ID, &d.FingerprintHash, &d.ReputationScore, &d.TotalPosts, &banned,
		&banReason, &banExpires, &lastPost, &d.PostsInWindow, &firstSeen, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Device{}, store.ErrNotFound
		}
		return model.Device{}, err
	}
	d.IsBanned = banned == 1
	if banReason.Valid {
		d.BanReason = banReason.String
	}
	if banExpires.Valid {
		t := time.Unix(0, banExpires.Int64)
		d.BanExpiresAt = &t
	}
	if lastPost.Valid {
		t := time.Unix(0, lastPost.Int64)
		d.LastPostAt = &t
	}
	d.FirstSeenAt = time.Unix(0, firstSeen)
	d.LastSeenAt = time.Unix(0, lastSeen)
	return d, nil
}

func scanSpace(scanner interface{ Scan(dest ...any) error }) (model.Space, error) {
	var sp model.Space
	var description sql.NullString
	var autoMod, active int
	var created int64
	if err := scanner.Scan(&sp.ID, &sp.Slug, &sp.DisplayName, &description, &sp.TTLHours,
		&sp.FlagThreshold, &autoMod, &active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Space{}, store.ErrNotFound
		}
		return model.Space{}, err
	}
	if description.Valid {
		sp.Description = description.String
	}
	sp.AutoModEnabled = autoMod == 1
	sp.IsActive = active == 1
	sp.CreatedAt = time.Unix(0, created)
	return sp, nil
}

func scanPost(scanner interface{ Scan(dest ...any) error }) (model.Post, error) {
	var p model.Post
	var modAction sql.NullString
	var sessionToken sql.NullString
	var visible, grayed int
	var created, expires int64
	if err := scanner.Scan(&p.ID, &p.SpaceID, &p.DeviceID, &p.Content, &created, &expires,
		&visible, &grayed, &modAction, &p.ReactionCount, &p.ReplyCount, &p.FlagCount, &sessionToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Post{}, store.ErrNotFound
		}
		return model.Post{}, err
	}
	if modAction.Valid {
		p.ModAction = modAction.String
	}
	if sessionToken.Valid {
		p.SessionToken = sessionToken.String
	}
	p.IsVisible = visible == 1
	p.IsGrayed = grayed == 1
	p.CreatedAt = time.Unix(0, created)
	p.ExpiresAt = time.Unix(0, expires)
	return p, nil
}

func scanReply(scanner interface{ Scan(dest ...any) error }) (model.Reply, error) {
	var r model.Reply
	var sessionToken sql.NullString
	var visible int
	var created int64
	if err := scanner.Scan(&r.ID, &r.PostID, &r.DeviceID, &r.Content, &created, &visible, &r.FlagCount, &sessionToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reply{}, store.ErrNotFound
		}
		return model.Reply{}, err
	}
	if sessionToken.Valid {
		r.SessionToken = sessionToken.String
	}
	r.IsVisible = visible == 1
	r.CreatedAt = time.Unix(0, created)
	return r, nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
