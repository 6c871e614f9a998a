// Package client provides a Go client for the Driftwall API. It covers both
// sides of the house: anonymous device calls carry a device token, moderator
// calls carry a bearer token earned through the challenge/response login.
package client

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a Driftwall API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// DeviceToken stabilizes the anonymous identity across requests. Leave
	// empty to be fingerprinted from transport signals alone.
	DeviceToken string

	Token    string
	TokenExp time.Time
}

// Credentials holds a moderator keypair.
type Credentials struct {
	DisplayName string
	PublicKey   string
	PrivateKey  ed25519.PrivateKey
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GenerateCredentials creates a new ed25519 keypair for a moderator.
func GenerateCredentials(displayName string) (*Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		DisplayName: displayName,
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		PrivateKey:  priv,
	}, nil
}

// CredentialsFromKeys creates credentials from existing base64 keys.
func CredentialsFromKeys(displayName, pubKeyB64, privKeyB64 string) (*Credentials, error) {
	privBytes, err := base64.StdEncoding.DecodeString(privKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return &Credentials{
		DisplayName: displayName,
		PublicKey:   pubKeyB64,
		PrivateKey:  ed25519.PrivateKey(privBytes),
	}, nil
}

// Sign signs a challenge with the moderator's private key.
func (creds *Credentials) Sign(message string) string {
	sig := ed25519.Sign(creds.PrivateKey, []byte(message))
	return base64.StdEncoding.EncodeToString(sig)
}

// Authenticate walks the challenge/response exchange and stores the bearer
// token on the client. The key must already be registered server-side.
func (c *Client) Authenticate(creds *Credentials) error {
	var challenge struct {
		Challenge string `json:"challenge"`
	}
	if err := c.call(http.MethodPost, "/api/auth/challenge", map[string]string{"alg": "ed25519"}, &challenge); err != nil {
		return err
	}
	var verified struct {
		AccessToken string    `json:"access_token"`
		ExpiresAt   time.Time `json:"expires_at"`
	}
	err := c.call(http.MethodPost, "/api/auth/verify", map[string]string{
		"alg":        "ed25519",
		"public_key": creds.PublicKey,
		"challenge":  challenge.Challenge,
		"signature":  creds.Sign(challenge.Challenge),
	}, &verified)
	if err != nil {
		return err
	}
	c.Token = verified.AccessToken
	c.TokenExp = verified.ExpiresAt
	return nil
}

func (c *Client) IsAuthenticated() bool {
	return c.Token != "" && time.Now().Before(c.TokenExp)
}

// Post is the wire shape of an ephemeral post.
type Post struct {
	ID            int64     `json:"id"`
	SpaceID       int64     `json:"space_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	IsGrayed      bool      `json:"is_grayed"`
	ReactionCount int       `json:"reaction_count"`
	ReplyCount    int       `json:"reply_count"`
	IsOwn         bool      `json:"is_own"`
	MyReaction    string    `json:"my_reaction,omitempty"`
}

type Reply struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsOwn     bool      `json:"is_own"`
}

type Space struct {
	ID            int64  `json:"id"`
	Slug          string `json:"slug"`
	DisplayName   string `json:"display_name"`
	Description   string `json:"description,omitempty"`
	TTLHours      int    `json:"ttl_hours"`
	FlagThreshold int    `json:"flag_threshold"`
}

type Feed struct {
	Space  string `json:"space"`
	Posts  []Post `json:"posts"`
	Cursor int64  `json:"cursor"`
}

// CreatePost publishes ephemeral content into a space. An empty space slug
// selects the main wall.
func (c *Client) CreatePost(space, content string) (*Post, error) {
	var result struct {
		Post Post `json:"post"`
	}
	err := c.call(http.MethodPost, "/api/posts", map[string]string{
		"content": content,
		"space":   space,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result.Post, nil
}

// GetFeed pages through a space's visible posts. Pass the cursor from the
// previous page, or 0 for the newest posts.
func (c *Client) GetFeed(space string, limit int, cursor int64) (*Feed, error) {
	path := fmt.Sprintf("/api/posts?limit=%d", limit)
	if space != "" {
		path += "&space=" + space
	}
	if cursor > 0 {
		path += fmt.Sprintf("&before=%d", cursor)
	}
	var feed Feed
	if err := c.call(http.MethodGet, path, nil, &feed); err != nil {
		return nil, err
	}
	return &feed, nil
}

func (c *Client) GetPost(id int64) (*Post, []Reply, error) {
	var result struct {
		Post    Post    `json:"post"`
		Replies []Reply `json:"replies"`
	}
	if err := c.call(http.MethodGet, fmt.Sprintf("/api/posts/%d", id), nil, &result); err != nil {
		return nil, nil, err
	}
	return &result.Post, result.Replies, nil
}

func (c *Client) Reply(postID int64, content string) (*Reply, error) {
	var reply Reply
	err := c.call(http.MethodPost, fmt.Sprintf("/api/posts/%d/replies", postID), map[string]string{
		"content": content,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// React submits a reaction. Submitting the held type again removes it; the
// returned status is one of added, replaced, removed.
func (c *Client) React(postID int64, reactionType string) (string, error) {
	var result struct {
		Status string `json:"status"`
	}
	err := c.call(http.MethodPost, fmt.Sprintf("/api/posts/%d/reactions", postID), map[string]string{
		"type": reactionType,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.Status, nil
}

// Flag reports a post. Each device gets one flag per post.
func (c *Client) Flag(postID int64, reason, details string) (int, error) {
	var result struct {
		FlagCount int `json:"flag_count"`
	}
	err := c.call(http.MethodPost, fmt.Sprintf("/api/posts/%d/flags", postID), map[string]string{
		"reason":  reason,
		"details": details,
	}, &result)
	if err != nil {
		return 0, err
	}
	return result.FlagCount, nil
}

func (c *Client) ListSpaces() ([]Space, error) {
	var result struct {
		Spaces []Space `json:"spaces"`
	}
	if err := c.call(http.MethodGet, "/api/spaces", nil, &result); err != nil {
		return nil, err
	}
	return result.Spaces, nil
}

// CreateSpace opens a new wall. Moderator only.
func (c *Client) CreateSpace(slug, displayName string, ttlHours int) (*Space, error) {
	var space Space
	err := c.call(http.MethodPost, "/api/spaces", map[string]any{
		"slug":         slug,
		"display_name": displayName,
		"ttl_hours":    ttlHours,
	}, &space)
	if err != nil {
		return nil, err
	}
	return &space, nil
}

// HidePost removes a post from every read path. Moderator only.
func (c *Client) HidePost(postID int64, reason string) error {
	return c.call(http.MethodPost, "/api/admin/hide", map[string]any{
		"post_id": postID,
		"reason":  reason,
	}, nil)
}

// BanDevice bans a device; hours <= 0 means permanent. Moderator only.
func (c *Client) BanDevice(deviceID int64, reason string, hours int) error {
	return c.call(http.MethodPost, "/api/admin/ban", map[string]any{
		"device_id": deviceID,
		"reason":    reason,
		"hours":     hours,
	}, nil)
}

func (c *Client) UnbanDevice(deviceID int64) error {
	return c.call(http.MethodPost, "/api/admin/unban", map[string]any{
		"device_id": deviceID,
	}, nil)
}

// FlaggedPosts lists the moderation queue for a space. Moderator only.
func (c *Client) FlaggedPosts(space string, minFlags int) ([]Post, error) {
	path := fmt.Sprintf("/api/admin/flagged?min=%d", minFlags)
	if space != "" {
		path += "&space=" + space
	}
	var result struct {
		Posts []Post `json:"posts"`
	}
	if err := c.call(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Posts, nil
}

// TriggerCleanup runs an immediate expiration sweep. Moderator only.
func (c *Client) TriggerCleanup() (int64, error) {
	var result struct {
		Deleted int64 `json:"deleted"`
	}
	if err := c.call(http.MethodPost, "/api/admin/cleanup", nil, &result); err != nil {
		return 0, err
	}
	return result.Deleted, nil
}

func (c *Client) Health() error {
	return c.call(http.MethodGet, "/api/health", nil, nil)
}

// PendingCleanup reports how many posts have lapsed but not yet been swept.
func (c *Client) PendingCleanup() (int64, error) {
	var result struct {
		Pending int64 `json:"pending"`
	}
	if err := c.call(http.MethodGet, "/api/stats", nil, &result); err != nil {
		return 0, err
	}
	return result.Pending, nil
}

// call performs a request and decodes either the payload or the error
// envelope. Non-2xx responses surface as errors carrying the server message.
func (c *Client) call(method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.DeviceToken != "" {
		req.Header.Set("X-Device-Token", c.DeviceToken)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.New("unexpected response body")
	}
	return nil
}
