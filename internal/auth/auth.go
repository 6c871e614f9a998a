// Package auth implements challenge/response login for moderators. There are
// no passwords: a moderator registers a public key, signs a server-issued
// challenge, and trades the signature for a bearer token. Regular posting is
// anonymous and never touches this package.
package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/store"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

var (
	ErrChallengeExpired = errors.New("challenge expired")
	ErrTokenExpired     = errors.New("token expired")
	ErrKeyRevoked       = errors.New("key revoked")
	ErrUnknownKey       = errors.New("unknown moderator key")
	ErrBadSignature     = errors.New("invalid signature")
)

type Service struct {
	store        store.ModeratorStore
	tokenTTL     time.Duration
	challengeTTL time.Duration
}

type Verified struct {
	ModeratorID int64
	KeyID       int64
}

func NewService(store store.ModeratorStore, tokenTTL, challengeTTL time.Duration) *Service {
	return &Service{
		store:        store,
		tokenTTL:     tokenTTL,
		challengeTTL: challengeTTL,
	}
}

// Register creates a moderator with an initial public key. Intended for the
// seed tool and operator endpoints, not for self-service signup.
func (s *Service) Register(ctx context.Context, displayName, alg, publicKey string) (model.Moderator, error) {
	now := time.Now()
	mod := model.Moderator{DisplayName: displayName, CreatedAt: now}
	key := model.ModeratorKey{Alg: strings.ToLower(alg), PublicKey: publicKey, CreatedAt: now}
	modID, _, err := s.store.CreateModerator(ctx, &mod, &key)
	if err != nil {
		return model.Moderator{}, err
	}
	mod.ID = modID
	return mod, nil
}

func (s *Service) CreateChallenge(ctx context.Context, alg string) (model.Challenge, error) {
	challenge, err := randomToken(32)
	if err != nil {
		return model.Challenge{}, err
	}
	c := model.Challenge{
		Challenge: challenge,
		Alg:       strings.ToLower(alg),
		ExpiresAt: time.Now().Add(s.challengeTTL),
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return model.Challenge{}, err
	}
	return c, nil
}

// VerifyAndCreateToken consumes the challenge, checks the signature against
// the registered key, and mints a bearer token. Keys not registered to a
// moderator are rejected outright.
func (s *Service) VerifyAndCreateToken(ctx context.Context, alg, publicKey, challenge, signature string) (model.Token, *model.Moderator, error) {
	c, err := s.store.ConsumeChallenge(ctx, challenge)
	if err != nil {
		return model.Token{}, nil, err
	}
	if time.Now().After(c.ExpiresAt) {
		return model.Token{}, nil, ErrChallengeExpired
	}
	if c.Alg != strings.ToLower(alg) {
		return model.Token{}, nil, errors.New("challenge alg mismatch")
	}

	if err := VerifySignature(alg, publicKey, challenge, signature); err != nil {
		return model.Token{}, nil, err
	}

	key, mod, err := s.store.FindModeratorKey(ctx, strings.ToLower(alg), publicKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Token{}, nil, ErrUnknownKey
		}
		return model.Token{}, nil, err
	}
	if mod == nil {
		return model.Token{}, nil, ErrUnknownKey
	}
	if key.RevokedAt != nil {
		return model.Token{}, nil, ErrKeyRevoked
	}

	tokenValue, err := randomToken(32)
	if err != nil {
		return model.Token{}, nil, err
	}
	token := model.Token{
		Token:       tokenValue,
		ModeratorID: mod.ID,
		KeyID:       key.ID,
		ExpiresAt:   time.Now().Add(s.tokenTTL),
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return model.Token{}, nil, err
	}
	return token, mod, nil
}

func (s *Service) Authenticate(ctx context.Context, bearer string) (Verified, error) {
	token, err := s.store.GetToken(ctx, bearer)
	if err != nil {
		return Verified{}, err
	}
	if time.Now().After(token.ExpiresAt) {
		return Verified{}, ErrTokenExpired
	}
	return Verified{ModeratorID: token.ModeratorID, KeyID: token.KeyID}, nil
}

func VerifySignature(alg, publicKey, message, signature string) error {
	switch strings.ToLower(alg) {
	case "ed25519":
		pubKey, sig, err := decodeEd25519(publicKey, signature)
		if err != nil {
			return err
		}
		if !ed25519.Verify(pubKey, []byte(message), sig) {
			return ErrBadSignature
		}
		return nil
	case "secp256k1":
		pubKeyBytes, sigBytes, err := decodeHexPair(publicKey, signature)
		if err != nil {
			return err
		}
		pubKey, err := secp256k1.ParsePubKey(pubKeyBytes)
		if err != nil {
			return err
		}
		if len(sigBytes) < 64 {
			return errors.New("invalid secp256k1 signature length")
		}
		r := new(big.Int).SetBytes(sigBytes[:32])
		s := new(big.Int).SetBytes(sigBytes[32:64])
		ethHash := ethereumPersonalHash([]byte(message))
		if !ecdsaVerify(pubKey, ethHash, r, s) {
			return ErrBadSignature
		}
		return nil
	default:
		return fmt.Errorf("unsupported alg: %s", alg)
	}
}

func decodeEd25519(pub, sig string) (ed25519.PublicKey, []byte, error) {
	pubBytes, err := decodeBase64OrHex(pub)
	if err != nil {
		return nil, nil, err
	}
	sigBytes, err := decodeBase64OrHex(sig)
	if err != nil {
		return nil, nil, err
	}
	if l := len(pubBytes); l != ed25519.PublicKeySize {
		return nil, nil, errors.New("invalid ed25519 public key length")
	}
	if l := len(sigBytes); l != ed25519.SignatureSize {
		return nil, nil, errors.New("invalid ed25519 signature length")
	}
	return ed25519.PublicKey(pubBytes), sigBytes, nil
}

func decodeHexPair(pub, sig string) ([]byte, []byte, error) {
	pubBytes, err := decodeHex(pub)
	if err != nil {
		return nil, nil, err
	}
	sigBytes, err := decodeHex(sig)
	if err != nil {
		return nil, nil, err
	}
	return pubBytes, sigBytes, nil
}

func decodeBase64OrHex(input string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	return decodeHex(input)
}

func decodeHex(input string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(input), "0x")
	return hex.DecodeString(clean)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func ethereumPersonalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(prefix))
	h.Write(msg)
	return h.Sum(nil)
}

func ecdsaVerify(pubKey *secp256k1.PublicKey, hash []byte, r, s *big.Int) bool {
	return ecdsa.Verify(pubKey.ToECDSA(), hash, r, s)
}
