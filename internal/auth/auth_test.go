package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/driftwall/driftwall/internal/store/sqlite"
)

func TestEd25519Login(t *testing.T) {
	st, err := sqlite.Open("file:auth_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	svc := NewService(st, time.Hour, time.Minute)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubStr := base64.RawStdEncoding.EncodeToString(pub)

	mod, err := svc.Register(context.Background(), "mod-1", "ed25519", pubStr)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	challenge, err := svc.CreateChallenge(context.Background(), "ed25519")
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}

	sig := ed25519.Sign(priv, []byte(challenge.Challenge))
	token, got, err := svc.VerifyAndCreateToken(
		context.Background(),
		"ed25519",
		pubStr,
		challenge.Challenge,
		base64.RawStdEncoding.EncodeToString(sig),
	)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got == nil || got.ID != mod.ID {
		t.Fatalf("expected moderator %d, got %+v", mod.ID, got)
	}
	if token.Token == "" {
		t.Fatalf("expected token")
	}

	verified, err := svc.Authenticate(context.Background(), token.Token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if verified.ModeratorID != mod.ID {
		t.Fatalf("expected moderator id %d, got %d", mod.ID, verified.ModeratorID)
	}
}

func TestUnregisteredKeyRejected(t *testing.T) {
	st, err := sqlite.Open("file:auth_unknown?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	svc := NewService(st, time.Hour, time.Minute)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	challenge, err := svc.CreateChallenge(context.Background(), "ed25519")
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	sig := ed25519.Sign(priv, []byte(challenge.Challenge))
	_, _, err = svc.VerifyAndCreateToken(
		context.Background(),
		"ed25519",
		base64.RawStdEncoding.EncodeToString(pub),
		challenge.Challenge,
		base64.RawStdEncoding.EncodeToString(sig),
	)
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestWrongKeySignatureRejected(t *testing.T) {
	st, err := sqlite.Open("file:auth_wrong_sig?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	svc := NewService(st, time.Hour, time.Minute)

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_, otherPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	pubStr := base64.RawStdEncoding.EncodeToString(pub)

	if _, err := svc.Register(context.Background(), "mod-1", "ed25519", pubStr); err != nil {
		t.Fatalf("register: %v", err)
	}

	challenge, err := svc.CreateChallenge(context.Background(), "ed25519")
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	sig := ed25519.Sign(otherPriv, []byte(challenge.Challenge))
	_, _, err = svc.VerifyAndCreateToken(
		context.Background(),
		"ed25519",
		pubStr,
		challenge.Challenge,
		base64.RawStdEncoding.EncodeToString(sig),
	)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestTokenExpiration(t *testing.T) {
	st, err := sqlite.Open("file:auth_token_expire?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	svc := NewService(st, -1*time.Second, time.Minute)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubStr := base64.RawStdEncoding.EncodeToString(pub)

	if _, err := svc.Register(context.Background(), "mod-1", "ed25519", pubStr); err != nil {
		t.Fatalf("register: %v", err)
	}

	challenge, err := svc.CreateChallenge(context.Background(), "ed25519")
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	sig := ed25519.Sign(priv, []byte(challenge.Challenge))
	token, _, err := svc.VerifyAndCreateToken(
		context.Background(),
		"ed25519",
		pubStr,
		challenge.Challenge,
		base64.RawStdEncoding.EncodeToString(sig),
	)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}

	if _, err := svc.Authenticate(context.Background(), token.Token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestChallengeSingleUse(t *testing.T) {
	st, err := sqlite.Open("file:auth_challenge_once?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	svc := NewService(st, time.Hour, time.Minute)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubStr := base64.RawStdEncoding.EncodeToString(pub)
	if _, err := svc.Register(context.Background(), "mod-1", "ed25519", pubStr); err != nil {
		t.Fatalf("register: %v", err)
	}

	challenge, err := svc.CreateChallenge(context.Background(), "ed25519")
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	sig := base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, []byte(challenge.Challenge)))
	if _, _, err := svc.VerifyAndCreateToken(context.Background(), "ed25519", pubStr, challenge.Challenge, sig); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, _, err := svc.VerifyAndCreateToken(context.Background(), "ed25519", pubStr, challenge.Challenge, sig); err == nil {
		t.Fatalf("expected replayed challenge rejected")
	}
}
