// Package identity resolves anonymous devices from passive request signals
// and gates what they are allowed to do. No cookies or logins are required;
// a device is a salted hash over stable browser characteristics, and its
// reputation and ban state travel with that hash even as content expires.
package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/store"
)

var (
	ErrBanned      = errors.New("device is banned")
	ErrRateLimited = errors.New("device posting too fast")
)

// postWindow is the rolling window the per-device post ceiling applies to.
const postWindow = time.Hour

// Signals are the passive request attributes a fingerprint is derived from.
// DeviceToken is an optional client-supplied stable token; when present it
// dominates the hash so the same browser keeps its identity across UA
// upgrades.
type Signals struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string
	DeviceToken    string
	RemoteAddr     string
}

// Hasher derives fingerprint hashes with a keyed BLAKE2b. The key is the
// deployment salt: the same signals on two deployments never produce the
// same hash, so databases cannot be joined on fingerprints.
type Hasher struct {
	key []byte
}

func NewHasher(salt string) *Hasher {
	return &Hasher{key: deriveKey(salt)}
}

// blake2b keys are capped at 64 bytes; longer salts are folded down.
func deriveKey(salt string) []byte {
	if len(salt) <= 64 {
		return []byte(salt)
	}
	sum := blake2b.Sum256([]byte(salt))
	return sum[:]
}

// Hash canonicalizes the signals and returns a hex digest. The remote IP is
// truncated to its network prefix so a phone hopping cell towers inside one
// carrier block keeps its identity.
func (h *Hasher) Hash(sig Signals) string {
	mac, _ := blake2b.New256(h.key)
	parts := []string{
		canonical(sig.DeviceToken),
		canonical(sig.UserAgent),
		canonical(sig.AcceptLanguage),
		canonical(sig.Platform),
		ipPrefix(sig.RemoteAddr),
	}
	mac.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(mac.Sum(nil))
}

// canonical makes the hash insensitive to casing and whitespace noise, which
// varies across proxies and client libraries for the same physical device.
func canonical(field string) string {
	return strings.Join(strings.Fields(strings.ToLower(field)), " ")
}

func ipPrefix(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}

// Verdict is the outcome of a posting gate check. Shadow means the post is
// accepted but stored invisible: the author sees it, nobody else does.
type Verdict struct {
	Shadow bool
}

type Service struct {
	devices store.DeviceStore
	hasher  *Hasher

	startReputation int
	minReputation   int
	maxPostsPerHour int
}

func NewService(devices store.DeviceStore, hasher *Hasher, startReputation, minReputation, maxPostsPerHour int) *Service {
	return &Service{
		devices:         devices,
		hasher:          hasher,
		startReputation: startReputation,
		minReputation:   minReputation,
		maxPostsPerHour: maxPostsPerHour,
	}
}

// Resolve finds the device for the given signals, creating it on first
// contact. Creation races resolve to the winner's row.
func (s *Service) Resolve(ctx context.Context, sig Signals, now time.Time) (model.Device, error) {
	hash := s.hasher.Hash(sig)
	device, err := s.devices.FindDeviceByHash(ctx, hash)
	if err == nil {
		_ = s.devices.TouchDeviceSeen(ctx, device.ID, now)
		device.LastSeenAt = now
		return device, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Device{}, err
	}

	fresh := model.Device{
		FingerprintHash: hash,
		ReputationScore: s.startReputation,
		FirstSeenAt:     now,
		LastSeenAt:      now,
	}
	id, err := s.devices.CreateDevice(ctx, &fresh)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateDevice) {
			return s.devices.FindDeviceByHash(ctx, hash)
		}
		return model.Device{}, err
	}
	fresh.ID = id
	return fresh, nil
}

// CanPost runs the trust gate in order: ban state first (expired bans are
// lifted on the spot), then the rolling post window, then the reputation
// floor. A device under the floor is not rejected; its posts go shadow.
func (s *Service) CanPost(ctx context.Context, device *model.Device, now time.Time) (Verdict, error) {
	if device.IsBanned {
		if device.BanExpiresAt != nil && !device.BanExpiresAt.After(now) {
			if err := s.devices.SetDeviceBan(ctx, device.ID, false, "", nil); err != nil {
				return Verdict{}, err
			}
			device.IsBanned = false
			device.BanReason = ""
			device.BanExpiresAt = nil
		} else {
			return Verdict{}, ErrBanned
		}
	}

	if device.LastPostAt != nil && now.Sub(*device.LastPostAt) < postWindow {
		if device.PostsInWindow >= s.maxPostsPerHour {
			return Verdict{}, ErrRateLimited
		}
	}

	if device.ReputationScore < s.minReputation {
		return Verdict{Shadow: true}, nil
	}
	return Verdict{}, nil
}

// RecordPost advances the device's posting window after a successful post.
// The window count resets once the window has elapsed since the last post.
func (s *Service) RecordPost(ctx context.Context, device *model.Device, now time.Time) error {
	count := 1
	if device.LastPostAt != nil && now.Sub(*device.LastPostAt) < postWindow {
		count = device.PostsInWindow + 1
	}
	if err := s.devices.RecordDevicePost(ctx, device.ID, now, count); err != nil {
		return err
	}
	device.TotalPosts++
	device.LastPostAt = &now
	device.PostsInWindow = count
	return nil
}

// AdjustReputation moves the score by delta, clamped to [0, 100].
func (s *Service) AdjustReputation(ctx context.Context, deviceID int64, delta int) (int, error) {
	device, err := s.devices.GetDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	score := device.ReputationScore + delta
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if err := s.devices.SetDeviceReputation(ctx, deviceID, score); err != nil {
		return 0, err
	}
	return score, nil
}

func (s *Service) Ban(ctx context.Context, deviceID int64, reason string, until *time.Time) error {
	return s.devices.SetDeviceBan(ctx, deviceID, true, reason, until)
}

func (s *Service) Unban(ctx context.Context, deviceID int64) error {
	return s.devices.SetDeviceBan(ctx, deviceID, false, "", nil)
}
