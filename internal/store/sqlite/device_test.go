package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/store"
)

func TestDeviceLifecycle(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	now := time.Now()
	id := seedDevice(t, st, "fp-abc")

	if _, err := st.CreateDevice(context.Background(), &model.Device{
		FingerprintHash: "fp-abc",
		ReputationScore: 50,
		FirstSeenAt:     now,
		LastSeenAt:      now,
	}); !errors.Is(err, store.ErrDuplicateDevice) {
		t.Fatalf("expected ErrDuplicateDevice, got %v", err)
	}

	got, err := st.FindDeviceByHash(context.Background(), "fp-abc")
	if err != nil {
		t.Fatalf("find device: %v", err)
	}
	if got.ID != id || got.ReputationScore != 50 {
		t.Fatalf("unexpected device: %+v", got)
	}

	postAt := now.Add(time.Minute)
	if err := st.RecordDevicePost(context.Background(), id, postAt, 3); err != nil {
		t.Fatalf("record post: %v", err)
	}
	got, _ = st.GetDevice(context.Background(), id)
	if got.TotalPosts != 1 || got.PostsInWindow != 3 {
		t.Fatalf("expected post recorded, got %+v", got)
	}
	if got.LastPostAt == nil || !got.LastPostAt.Equal(postAt) {
		t.Fatalf("expected last_post_at set")
	}

	if err := st.SetDeviceReputation(context.Background(), id, 35); err != nil {
		t.Fatalf("set reputation: %v", err)
	}
	banUntil := now.Add(24 * time.Hour)
	if err := st.SetDeviceBan(context.Background(), id, true, "spam wave", &banUntil); err != nil {
		t.Fatalf("set ban: %v", err)
	}
	got, _ = st.GetDevice(context.Background(), id)
	if got.ReputationScore != 35 || !got.IsBanned || got.BanReason != "spam wave" {
		t.Fatalf("unexpected device after ban: %+v", got)
	}
	if got.BanExpiresAt == nil || !got.BanExpiresAt.Equal(banUntil) {
		t.Fatalf("expected ban_expires_at set")
	}

	if err := st.SetDeviceBan(context.Background(), id, false, "", nil); err != nil {
		t.Fatalf("lift ban: %v", err)
	}
	got, _ = st.GetDevice(context.Background(), id)
	if got.IsBanned || got.BanExpiresAt != nil {
		t.Fatalf("expected ban lifted: %+v", got)
	}
}

func TestDeviceNotFound(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	if _, err := st.FindDeviceByHash(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.TouchDeviceSeen(context.Background(), 999, time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestModeratorKeys(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	mod := model.Moderator{DisplayName: "mod-1", CreatedAt: time.Now()}
	key := model.ModeratorKey{Alg: "ed25519", PublicKey: "pubkey", CreatedAt: time.Now()}

	modID, keyID, err := st.CreateModerator(context.Background(), &mod, &key)
	if err != nil {
		t.Fatalf("create moderator: %v", err)
	}
	if modID == 0 || keyID == 0 {
		t.Fatalf("expected ids")
	}

	k, m, err := st.FindModeratorKey(context.Background(), "ed25519", "pubkey")
	if err != nil {
		t.Fatalf("find key: %v", err)
	}
	if m == nil || m.ID != modID {
		t.Fatalf("expected moderator")
	}
	if k.ID != keyID {
		t.Fatalf("expected key id")
	}

	_, _, err = st.CreateModerator(context.Background(), &model.Moderator{DisplayName: "mod-2", CreatedAt: time.Now()},
		&model.ModeratorKey{Alg: "ed25519", PublicKey: "pubkey", CreatedAt: time.Now()})
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestChallengeConsumeOnce(t *testing.T) {
	st := newTestStore(t)
	defer st.Close()

	c := model.Challenge{Challenge: "nonce-1", Alg: "ed25519", ExpiresAt: time.Now().Add(5 * time.Minute)}
	if err := st.CreateChallenge(context.Background(), c); err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	got, err := st.ConsumeChallenge(context.Background(), "nonce-1")
	if err != nil {
		t.Fatalf("consume challenge: %v", err)
	}
	if got.Alg != "ed25519" {
		t.Fatalf("unexpected alg: %s", got.Alg)
	}
	if _, err := st.ConsumeChallenge(context.Background(), "nonce-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected challenge consumed, got %v", err)
	}
}
