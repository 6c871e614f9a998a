package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func seedSpace(t *testing.T, st *Store) int64 {
	t.Helper()
	id, err := st.CreateSpace(context.Background(), &model.Space{
		Slug:          "campus",
		DisplayName:   "Campus",
		TTLHours:      24,
		FlagThreshold: 5,
		IsActive:      true,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	return id
}

func seedDevice(t *testing.T, st *Store, hash string) int64 {
	t.Helper()
	now := time.Now()
	id, err := st.CreateDevice(context.Background(), &model.Device{
		FingerprintHash: hash,
		ReputationScore: 50,
		FirstSeenAt:     now,
		LastSeenAt:      now,
	})
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	return id
}

func TestPostLifecycle(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	deviceID := seedDevice(t, st, "hash-1")

	now := time.Now()
	post := model.Post{
		SpaceID:   spaceID,
		DeviceID:  deviceID,
		Content:   "hello wall",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		IsVisible: true,
	}
	id, err := st.CreatePost(context.Background(), &post)
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	got, err := st.GetVisiblePost(context.Background(), id, spaceID, now)
	if err != nil {
		t.Fatalf("get visible post: %v", err)
	}
	if got.Content != post.Content {
		t.Fatalf("unexpected content: %s", got.Content)
	}

	reply := model.Reply{
		PostID:    id,
		DeviceID:  deviceID,
		Content:   "same here",
		CreatedAt: now,
		IsVisible: true,
	}
	if _, err := st.CreateReply(context.Background(), &reply); err != nil {
		t.Fatalf("create reply: %v", err)
	}
	updated, _ := st.GetPost(context.Background(), id)
	if updated.ReplyCount != 1 {
		t.Fatalf("expected reply_count 1, got %d", updated.ReplyCount)
	}
}

func TestExpiredPostInvisibleBeforeSweep(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	deviceID := seedDevice(t, st, "hash-1")

	now := time.Now()
	id, err := st.CreatePost(context.Background(), &model.Post{
		SpaceID:   spaceID,
		DeviceID:  deviceID,
		Content:   "short lived",
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	if _, err := st.GetVisiblePost(context.Background(), id, spaceID, now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired post, got %v", err)
	}
	feed, err := st.ListFeed(context.Background(), store.FeedOpts{SpaceID: spaceID, Limit: 10, Now: now})
	if err != nil {
		t.Fatalf("list feed: %v", err)
	}
	if len(feed) != 0 {
		t.Fatalf("expected empty feed, got %d posts", len(feed))
	}
}

func TestDeleteExpiredCascades(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	deviceID := seedDevice(t, st, "hash-1")
	flagger := seedDevice(t, st, "hash-2")

	now := time.Now()
	expired, err := st.CreatePost(context.Background(), &model.Post{
		SpaceID:   spaceID,
		DeviceID:  deviceID,
		Content:   "expired",
		CreatedAt: now.Add(-25 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("create expired post: %v", err)
	}
	alive, err := st.CreatePost(context.Background(), &model.Post{
		SpaceID:   spaceID,
		DeviceID:  deviceID,
		Content:   "alive",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("create live post: %v", err)
	}

	if _, err := st.CreateReply(context.Background(), &model.Reply{PostID: expired, DeviceID: flagger, Content: "r", CreatedAt: now, IsVisible: true}); err != nil {
		t.Fatalf("create reply: %v", err)
	}
	if _, err := st.CreateReaction(context.Background(), &model.Reaction{PostID: expired, DeviceID: flagger, Type: model.ReactionAgree, CreatedAt: now}); err != nil {
		t.Fatalf("create reaction: %v", err)
	}
	if _, err := st.CreateFlag(context.Background(), &model.Flag{PostID: expired, DeviceID: flagger, Reason: "spam", CreatedAt: now}); err != nil {
		t.Fatalf("create flag: %v", err)
	}

	deleted, err := st.DeleteExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	if _, err := st.GetPost(context.Background(), expired); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired post gone, got %v", err)
	}
	if _, err := st.GetPost(context.Background(), alive); err != nil {
		t.Fatalf("live post should survive: %v", err)
	}
	replies, err := st.ListReplies(context.Background(), expired, true, 10)
	if err != nil {
		t.Fatalf("list replies: %v", err)
	}
	if len(replies) != 0 {
		t.Fatalf("expected replies cascaded, got %d", len(replies))
	}
	if _, err := st.GetReaction(context.Background(), expired, flagger); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected reaction cascaded, got %v", err)
	}
	count, err := st.CountFlags(context.Background(), expired)
	if err != nil {
		t.Fatalf("count flags: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected flags cascaded, got %d", count)
	}

	// The sweep is idempotent: a redundant second pass finds nothing.
	deleted, err = st.DeleteExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("second delete expired: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected second sweep to delete 0, got %d", deleted)
	}
}

func TestDeleteExpiredDirectFallback(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	deviceID := seedDevice(t, st, "hash-1")

	now := time.Now()
	expired, err := st.CreatePost(context.Background(), &model.Post{
		SpaceID:   spaceID,
		DeviceID:  deviceID,
		Content:   "expired",
		CreatedAt: now.Add(-25 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if _, err := st.CreateReply(context.Background(), &model.Reply{PostID: expired, DeviceID: deviceID, Content: "r", CreatedAt: now, IsVisible: true}); err != nil {
		t.Fatalf("create reply: %v", err)
	}

	deleted, err := st.DeleteExpiredDirect(context.Background(), now)
	if err != nil {
		t.Fatalf("delete expired direct: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	replies, _ := st.ListReplies(context.Background(), expired, true, 10)
	if len(replies) != 0 {
		t.Fatalf("expected replies removed, got %d", len(replies))
	}
}

func TestFeedCursorPagination(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	deviceID := seedDevice(t, st, "hash-1")

	base := time.Now()
	for i := 0; i < 5; i++ {
		created := base.Add(time.Duration(i-10) * time.Second)
		if _, err := st.CreatePost(context.Background(), &model.Post{
			SpaceID:   spaceID,
			DeviceID:  deviceID,
			Content:   fmt.Sprintf("post %d", i),
			CreatedAt: created,
			ExpiresAt: created.Add(24 * time.Hour),
			IsVisible: true,
		}); err != nil {
			t.Fatalf("create post %d: %v", i, err)
		}
	}

	page1, err := st.ListFeed(context.Background(), store.FeedOpts{SpaceID: spaceID, Limit: 2, Now: base})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 || page1[0].Content != "post 4" {
		t.Fatalf("unexpected page 1: %+v", page1)
	}

	cursor := page1[len(page1)-1].CreatedAt
	page2, err := st.ListFeed(context.Background(), store.FeedOpts{SpaceID: spaceID, Limit: 2, Before: &cursor, Now: base})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 2 || page2[0].Content != "post 2" {
		t.Fatalf("unexpected page 2: %+v", page2)
	}
}

func TestGrayedPostsExcludedFromFeed(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	deviceID := seedDevice(t, st, "hash-1")

	now := time.Now()
	id, err := st.CreatePost(context.Background(), &model.Post{
		SpaceID:   spaceID,
		DeviceID:  deviceID,
		Content:   "controversial",
		CreatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(24 * time.Hour),
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	if err := st.GrayPost(context.Background(), id); err != nil {
		t.Fatalf("gray post: %v", err)
	}

	feed, _ := st.ListFeed(context.Background(), store.FeedOpts{SpaceID: spaceID, Limit: 10, Now: now})
	if len(feed) != 0 {
		t.Fatalf("expected grayed post excluded, got %d", len(feed))
	}
	all, _ := st.ListFeed(context.Background(), store.FeedOpts{SpaceID: spaceID, Limit: 10, IncludeGrayed: true, Now: now})
	if len(all) != 1 {
		t.Fatalf("expected grayed post included, got %d", len(all))
	}
}

func TestDuplicateFlag(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	author := seedDevice(t, st, "hash-1")
	flagger := seedDevice(t, st, "hash-2")

	now := time.Now()
	postID, err := st.CreatePost(context.Background(), &model.Post{
		SpaceID:   spaceID,
		DeviceID:  author,
		Content:   "flag me",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	flag := model.Flag{PostID: postID, DeviceID: flagger, Reason: "spam", CreatedAt: now}
	if _, err := st.CreateFlag(context.Background(), &flag); err != nil {
		t.Fatalf("create flag: %v", err)
	}
	if _, err := st.CreateFlag(context.Background(), &flag); !errors.Is(err, store.ErrDuplicateFlag) {
		t.Fatalf("expected ErrDuplicateFlag, got %v", err)
	}

	got, _ := st.GetPost(context.Background(), postID)
	if got.FlagCount != 1 {
		t.Fatalf("expected flag_count 1 after duplicate, got %d", got.FlagCount)
	}
}

func TestReactionUniquePerDevice(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	author := seedDevice(t, st, "hash-1")
	reactor := seedDevice(t, st, "hash-2")

	now := time.Now()
	postID, err := st.CreatePost(context.Background(), &model.Post{
		SpaceID:   spaceID,
		DeviceID:  author,
		Content:   "react to me",
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		IsVisible: true,
	})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}

	reaction := model.Reaction{PostID: postID, DeviceID: reactor, Type: model.ReactionAgree, CreatedAt: now}
	id, err := st.CreateReaction(context.Background(), &reaction)
	if err != nil {
		t.Fatalf("create reaction: %v", err)
	}
	if _, err := st.CreateReaction(context.Background(), &reaction); !errors.Is(err, store.ErrDuplicateReaction) {
		t.Fatalf("expected ErrDuplicateReaction, got %v", err)
	}

	if err := st.UpdateReactionType(context.Background(), id, model.ReactionNotAlone); err != nil {
		t.Fatalf("update reaction type: %v", err)
	}
	got, err := st.GetReaction(context.Background(), postID, reactor)
	if err != nil {
		t.Fatalf("get reaction: %v", err)
	}
	if got.Type != model.ReactionNotAlone {
		t.Fatalf("expected updated type, got %s", got.Type)
	}

	if err := st.DeleteReaction(context.Background(), postID, reactor); err != nil {
		t.Fatalf("delete reaction: %v", err)
	}
	if _, err := st.GetReaction(context.Background(), postID, reactor); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected reaction gone, got %v", err)
	}
}

func TestExpirationStats(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	spaceID := seedSpace(t, st)
	deviceID := seedDevice(t, st, "hash-1")

	now := time.Now()
	mk := func(expires time.Time) {
		t.Helper()
		if _, err := st.CreatePost(context.Background(), &model.Post{
			SpaceID:   spaceID,
			DeviceID:  deviceID,
			Content:   "x",
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: expires,
			IsVisible: true,
		}); err != nil {
			t.Fatalf("create post: %v", err)
		}
	}
	mk(now.Add(-time.Minute))     // expired
	mk(now.Add(30 * time.Minute)) // within 1h
	mk(now.Add(3 * time.Hour))    // within 6h
	mk(now.Add(20 * time.Hour))   // within 24h

	stats, err := st.ExpirationStats(context.Background(), spaceID, now)
	if err != nil {
		t.Fatalf("expiration stats: %v", err)
	}
	if stats.Expired != 1 || stats.ExpiringIn1h != 1 || stats.ExpiringIn6h != 1 || stats.Expiring24h != 1 || stats.Total != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
