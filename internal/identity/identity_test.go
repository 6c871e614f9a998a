package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/driftwall/driftwall/internal/store/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, NewHasher("test-salt"), 50, 10, 3)
}

func testSignals(token string) Signals {
	return Signals{
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64)",
		AcceptLanguage: "tr-TR,tr;q=0.9",
		Platform:       "Linux",
		DeviceToken:    token,
		RemoteAddr:     "203.0.113.40:51234",
	}
}

func TestHashStability(t *testing.T) {
	h := NewHasher("salt-a")

	a := h.Hash(testSignals("tok"))
	b := h.Hash(testSignals("tok"))
	if a != b {
		t.Fatalf("same signals should hash identically")
	}

	// Same /24, different host.
	sig := testSignals("tok")
	sig.RemoteAddr = "203.0.113.99:40000"
	if h.Hash(sig) != a {
		t.Fatalf("hosts in one /24 should share a fingerprint")
	}

	sig.RemoteAddr = "198.51.100.7:40000"
	if h.Hash(sig) == a {
		t.Fatalf("different network should change the fingerprint")
	}

	other := NewHasher("salt-b")
	if other.Hash(testSignals("tok")) == a {
		t.Fatalf("different salt should change the fingerprint")
	}
}

func TestHashCanonicalization(t *testing.T) {
	h := NewHasher("salt-a")
	a := h.Hash(testSignals("tok"))

	noisy := testSignals("tok")
	noisy.UserAgent = "  MOZILLA/5.0   (x11;   linux X86_64)  "
	noisy.Platform = "LINUX"
	if h.Hash(noisy) != a {
		t.Fatalf("case and whitespace noise should not change the fingerprint")
	}

	if h.Hash(Signals{}) == "" {
		t.Fatalf("empty signals still produce a fingerprint")
	}
}

func TestResolveCreatesOnce(t *testing.T) {
	svc := newTestService(t)
	now := time.Now()

	first, err := svc.Resolve(context.Background(), testSignals("tok"), now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first.ReputationScore != 50 {
		t.Fatalf("expected starting reputation 50, got %d", first.ReputationScore)
	}

	again, err := svc.Resolve(context.Background(), testSignals("tok"), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected same device, got %d and %d", first.ID, again.ID)
	}

	other, err := svc.Resolve(context.Background(), testSignals("other-tok"), now)
	if err != nil {
		t.Fatalf("resolve other: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("distinct signals should resolve to distinct devices")
	}
}

func TestCanPostRateWindow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	device, err := svc.Resolve(ctx, testSignals("tok"), now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for i := 0; i < 3; i++ {
		verdict, err := svc.CanPost(ctx, &device, now)
		if err != nil {
			t.Fatalf("post %d gate: %v", i, err)
		}
		if verdict.Shadow {
			t.Fatalf("post %d should not be shadowed", i)
		}
		if err := svc.RecordPost(ctx, &device, now); err != nil {
			t.Fatalf("record post %d: %v", i, err)
		}
	}

	if _, err := svc.CanPost(ctx, &device, now); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Window elapses, posting resumes and the count resets.
	later := now.Add(postWindow + time.Minute)
	if _, err := svc.CanPost(ctx, &device, later); err != nil {
		t.Fatalf("gate after window: %v", err)
	}
	if err := svc.RecordPost(ctx, &device, later); err != nil {
		t.Fatalf("record after window: %v", err)
	}
	if device.PostsInWindow != 1 {
		t.Fatalf("expected window reset, got %d", device.PostsInWindow)
	}
}

func TestCanPostShadowbansLowReputation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	device, err := svc.Resolve(ctx, testSignals("tok"), now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := svc.AdjustReputation(ctx, device.ID, -45); err != nil {
		t.Fatalf("adjust reputation: %v", err)
	}
	device.ReputationScore = 5

	verdict, err := svc.CanPost(ctx, &device, now)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !verdict.Shadow {
		t.Fatalf("expected shadow verdict below the floor")
	}
}

func TestCanPostBanAutoLift(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	device, err := svc.Resolve(ctx, testSignals("tok"), now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	until := now.Add(time.Hour)
	if err := svc.Ban(ctx, device.ID, "spam wave", &until); err != nil {
		t.Fatalf("ban: %v", err)
	}
	device.IsBanned = true
	device.BanExpiresAt = &until

	if _, err := svc.CanPost(ctx, &device, now); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}

	// Past the expiry the ban lifts in-line and the gate passes.
	if _, err := svc.CanPost(ctx, &device, until.Add(time.Second)); err != nil {
		t.Fatalf("gate after ban expiry: %v", err)
	}
	if device.IsBanned {
		t.Fatalf("expected ban lifted on device")
	}
	fresh, err := svc.Resolve(ctx, testSignals("tok"), now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if fresh.IsBanned {
		t.Fatalf("expected ban lifted in store")
	}
}

func TestPermanentBanNeverLifts(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	device, err := svc.Resolve(ctx, testSignals("tok"), now)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := svc.Ban(ctx, device.ID, "doxxing", nil); err != nil {
		t.Fatalf("ban: %v", err)
	}
	device.IsBanned = true

	if _, err := svc.CanPost(ctx, &device, now.Add(1000*time.Hour)); !errors.Is(err, ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestAdjustReputationClamps(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	device, err := svc.Resolve(ctx, testSignals("tok"), time.Now())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	score, err := svc.AdjustReputation(ctx, device.ID, 200)
	if err != nil {
		t.Fatalf("adjust up: %v", err)
	}
	if score != 100 {
		t.Fatalf("expected clamp at 100, got %d", score)
	}
	score, err = svc.AdjustReputation(ctx, device.ID, -500)
	if err != nil {
		t.Fatalf("adjust down: %v", err)
	}
	if score != 0 {
		t.Fatalf("expected clamp at 0, got %d", score)
	}
}
