// Package httpapp is the JSON API over the wall. Every request is attributed
// to an anonymous device resolved from passive signals; moderators are the
// only authenticated callers, and only on the admin surface.
package httpapp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/driftwall/driftwall/internal/auth"
	"github.com/driftwall/driftwall/internal/cleanup"
	"github.com/driftwall/driftwall/internal/config"
	"github.com/driftwall/driftwall/internal/escalation"
	"github.com/driftwall/driftwall/internal/identity"
	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/moderation"
	"github.com/driftwall/driftwall/internal/rate"
	"github.com/driftwall/driftwall/internal/store"
)

// defaultSpaceSlug is used when a request names no space.
const defaultSpaceSlug = "main"

var slugPattern = regexp.MustCompile(`^[a-z0-9-]{3,63}$`)

// reservedSlugs would collide with routing or operational names.
var reservedSlugs = map[string]bool{
	"api":    true,
	"admin":  true,
	"www":    true,
	"static": true,
	"health": true,
}

type Server struct {
	store      store.Store
	identity   *identity.Service
	moderation *moderation.Engine
	escalation *escalation.Coordinator
	auth       *auth.Service
	sweeper    *cleanup.Sweeper
	lazy       *cleanup.Lazy
	limiter    rate.Limiter
	cfg        config.Config
}

func NewServer(
	st store.Store,
	id *identity.Service,
	mod *moderation.Engine,
	esc *escalation.Coordinator,
	authSvc *auth.Service,
	sweeper *cleanup.Sweeper,
	limiter rate.Limiter,
	cfg config.Config,
) *Server {
	s := &Server{
		store:      st,
		identity:   id,
		moderation: mod,
		escalation: esc,
		auth:       authSvc,
		sweeper:    sweeper,
		limiter:    limiter,
		cfg:        cfg,
	}
	if cfg.Cleanup.Mode == config.CleanupModeLazy {
		s.lazy = cleanup.NewLazy(sweeper, cfg.Cleanup.Interval)
	}
	return s
}

// postView is a Post annotated with caller-relative fields.
type postView struct {
	model.Post
	IsOwn      bool   `json:"is_own"`
	MyReaction string `json:"my_reaction,omitempty"`
	ExpiresIn  int64  `json:"expires_in"`
}

type replyView struct {
	model.Reply
	IsOwn bool `json:"is_own"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.lazy != nil {
		// Piggyback expiration on traffic; a miss here only delays deletion,
		// expired posts are already filtered out of every read path.
		go s.lazy.MaybeSweep(context.Background(), time.Now())
	}
	if r.URL.Path == "/" {
		writeJSON(w, http.StatusOK, map[string]any{"service": "driftwall", "health": "/api/health"})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.handleAPI(w, r)
		return
	}
	notFound(w)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	segments := splitPath(path)

	switch {
	case len(segments) == 1 && segments[0] == "posts":
		switch r.Method {
		case http.MethodPost:
			s.handleCreatePost(w, r)
		case http.MethodGet:
			s.handleFeed(w, r)
		default:
			methodNotAllowed(w)
		}
		return
	case len(segments) == 2 && segments[0] == "posts":
		if r.Method == http.MethodGet {
			s.handleGetPost(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "posts" && segments[2] == "replies":
		switch r.Method {
		case http.MethodGet:
			s.handleListReplies(w, r, segments[1])
		case http.MethodPost:
			s.handleCreateReply(w, r, segments[1])
		default:
			methodNotAllowed(w)
		}
		return
	case len(segments) == 3 && segments[0] == "posts" && segments[2] == "reactions":
		if r.Method == http.MethodPost {
			s.handleReact(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "posts" && segments[2] == "flags":
		if r.Method == http.MethodPost {
			s.handleFlag(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "spaces":
		switch r.Method {
		case http.MethodGet:
			s.handleListSpaces(w, r)
		case http.MethodPost:
			s.handleCreateSpace(w, r)
		default:
			methodNotAllowed(w)
		}
		return
	case len(segments) == 2 && segments[0] == "spaces":
		if r.Method == http.MethodGet {
			s.handleGetSpace(w, r, segments[1])
			return
		}
	case len(segments) == 3 && segments[0] == "spaces" && segments[2] == "stats":
		if r.Method == http.MethodGet {
			s.handleSpaceStats(w, r, segments[1])
			return
		}
	case len(segments) == 1 && segments[0] == "me":
		if r.Method == http.MethodGet {
			s.handleMe(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "challenge":
		if r.Method == http.MethodPost {
			s.handleAuthChallenge(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "auth" && segments[1] == "verify":
		if r.Method == http.MethodPost {
			s.handleAuthVerify(w, r)
			return
		}
	case len(segments) == 2 && segments[0] == "admin":
		s.handleAdmin(w, r, segments[1])
		return
	case len(segments) == 3 && segments[0] == "admin" && segments[1] == "devices":
		if r.Method == http.MethodGet {
			if _, ok := s.requireModerator(w, r); !ok {
				return
			}
			s.handleAdminGetDevice(w, r, segments[2])
			return
		}
	case len(segments) == 1 && segments[0] == "health":
		if r.Method == http.MethodGet {
			s.handleHealth(w, r)
			return
		}
	case len(segments) == 1 && segments[0] == "config":
		if r.Method == http.MethodGet {
			s.handleConfig(w, r)
			return
		}
	case len(segments) == 1 && segments[0] == "stats":
		if r.Method == http.MethodGet {
			s.handleStats(w, r)
			return
		}
	}

	notFound(w)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request, action string) {
	if _, ok := s.requireModerator(w, r); !ok {
		return
	}
	switch {
	case action == "hide" && r.Method == http.MethodPost:
		s.handleAdminHide(w, r)
	case action == "ban" && r.Method == http.MethodPost:
		s.handleAdminBan(w, r)
	case action == "unban" && r.Method == http.MethodPost:
		s.handleAdminUnban(w, r)
	case action == "flagged" && r.Method == http.MethodGet:
		s.handleAdminFlagged(w, r)
	case action == "cleanup" && r.Method == http.MethodPost:
		s.handleAdminCleanup(w, r)
	case action == "patterns" && r.Method == http.MethodPost:
		s.handleAdminAddPattern(w, r)
	case action == "moderators" && r.Method == http.MethodPost:
		s.handleAdminCreateModerator(w, r)
	default:
		notFound(w)
	}
}

// --- posts ---

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "post", s.cfg.RateLimits.PostPerMinute) {
		return
	}
	var req struct {
		Content string `json:"content"`
		Space   string `json:"space"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Length limits count runes, not bytes: Turkish text is multibyte.
	content := strings.TrimSpace(req.Content)
	if utf8.RuneCountInString(content) < s.cfg.Content.MinPostLen {
		writeError(w, http.StatusBadRequest, errors.New("content too short"))
		return
	}
	if utf8.RuneCountInString(content) > s.cfg.Content.MaxPostLen {
		writeError(w, http.StatusBadRequest, errors.New("content too long"))
		return
	}

	space, ok := s.resolveSpace(w, r, req.Space)
	if !ok {
		return
	}
	device, ok := s.resolveDevice(w, r)
	if !ok {
		return
	}

	now := time.Now()
	verdict, err := s.identity.CanPost(r.Context(), &device, now)
	if err != nil {
		s.writeGateError(w, device, err)
		return
	}

	outcome := moderation.Outcome{Allowed: true}
	if space.AutoModEnabled {
		outcome = s.moderation.ModeratePost(content)
		if !outcome.Allowed {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "content rejected",
				"reasons": outcome.Reasons,
			})
			return
		}
	}

	ttlHours := s.cfg.ClampTTL(space.TTLHours)
	post := model.Post{
		SpaceID:      space.ID,
		DeviceID:     device.ID,
		Content:      content,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(ttlHours) * time.Hour),
		IsVisible:    !verdict.Shadow,
		IsGrayed:     outcome.AutoGray,
		ModAction:    strings.Join(outcome.Reasons, ","),
		SessionToken: s.ensureSession(w, r),
	}
	id, err := s.store.CreatePost(r.Context(), &post)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	post.ID = id
	if err := s.identity.RecordPost(r.Context(), &device, now); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"post":       postView{Post: post, IsOwn: true, ExpiresIn: int64(post.ExpiresAt.Sub(now).Seconds())},
		"expires_at": post.ExpiresAt,
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	space, ok := s.resolveSpace(w, r, "")
	if !ok {
		return
	}
	device, ok := s.resolveDevice(w, r)
	if !ok {
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 30)
	if limit > 100 {
		limit = 100
	}
	opts := store.FeedOpts{
		SpaceID:       space.ID,
		Limit:         limit,
		IncludeGrayed: r.URL.Query().Get("include_grayed") == "true",
		Now:           time.Now(),
	}
	if cursor := parseInt64Default(r.URL.Query().Get("before"), 0); cursor > 0 {
		before := time.Unix(0, cursor)
		opts.Before = &before
	}

	posts, err := s.store.ListFeed(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views, err := s.annotatePosts(r.Context(), posts, device.ID, s.sessionFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"space":    space.Slug,
		"posts":    views,
		"cursor":   nextCursor(posts),
		"has_more": len(posts) == limit,
	})
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request, idStr string) {
	post, ok := s.loadViewablePost(w, r, idStr)
	if !ok {
		return
	}
	device, ok := s.resolveDevice(w, r)
	if !ok {
		return
	}

	session := s.sessionFrom(r)
	replies, err := s.store.ListReplies(r.Context(), post.ID, false, 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	replyViews := make([]replyView, 0, len(replies))
	for _, reply := range replies {
		replyViews = append(replyViews, replyView{Reply: reply, IsOwn: ownsSession(reply.SessionToken, session)})
	}

	views, err := s.annotatePosts(r.Context(), []model.Post{post}, device.ID, session)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"post":    views[0],
		"replies": replyViews,
	})
}

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request, idStr string) {
	post, ok := s.loadViewablePost(w, r, idStr)
	if !ok {
		return
	}
	session := s.sessionFrom(r)
	limit := parseIntDefault(r.URL.Query().Get("limit"), 100)
	replies, err := s.store.ListReplies(r.Context(), post.ID, false, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]replyView, 0, len(replies))
	for _, reply := range replies {
		views = append(views, replyView{Reply: reply, IsOwn: ownsSession(reply.SessionToken, session)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": views})
}

func (s *Server) handleCreateReply(w http.ResponseWriter, r *http.Request, idStr string) {
	if !s.allowRateLimit(w, r, "reply", s.cfg.RateLimits.PostPerMinute) {
		return
	}
	post, ok := s.loadViewablePost(w, r, idStr)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content required"))
		return
	}
	if utf8.RuneCountInString(content) > s.cfg.Content.MaxReplyLen {
		writeError(w, http.StatusBadRequest, errors.New("content too long"))
		return
	}

	device, ok := s.resolveDevice(w, r)
	if !ok {
		return
	}
	now := time.Now()
	verdict, err := s.identity.CanPost(r.Context(), &device, now)
	if err != nil {
		s.writeGateError(w, device, err)
		return
	}
	outcome := s.moderation.ModeratePost(content)
	if !outcome.Allowed {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "content rejected",
			"reasons": outcome.Reasons,
		})
		return
	}

	reply := model.Reply{
		PostID:       post.ID,
		DeviceID:     device.ID,
		Content:      content,
		CreatedAt:    now,
		IsVisible:    !verdict.Shadow,
		SessionToken: s.ensureSession(w, r),
	}
	id, err := s.store.CreateReply(r.Context(), &reply)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	reply.ID = id
	if err := s.identity.RecordPost(r.Context(), &device, now); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, replyView{Reply: reply, IsOwn: true})
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request, idStr string) {
	if !s.allowRateLimit(w, r, "reaction", s.cfg.RateLimits.ReactionPerMinute) {
		return
	}
	var req struct {
		Type string `json:"type"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !model.IsValidReactionType(req.Type) {
		writeError(w, http.StatusBadRequest, errors.New("invalid reaction type"))
		return
	}

	post, ok := s.loadViewablePost(w, r, idStr)
	if !ok {
		return
	}
	device, ok := s.resolveDevice(w, r)
	if !ok {
		return
	}

	result, err := s.escalation.React(r.Context(), post, device.ID, req.Type, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request, idStr string) {
	if !s.allowRateLimit(w, r, "flag", s.cfg.RateLimits.FlagPerMinute) {
		return
	}
	var req struct {
		Reason  string `json:"reason"`
		Details string `json:"details"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !model.IsValidFlagReason(req.Reason) {
		writeError(w, http.StatusBadRequest, errors.New("invalid flag reason"))
		return
	}

	post, ok := s.loadViewablePost(w, r, idStr)
	if !ok {
		return
	}
	device, ok := s.resolveDevice(w, r)
	if !ok {
		return
	}
	space, err := s.store.GetSpace(r.Context(), post.SpaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	result, err := s.escalation.Flag(r.Context(), post, device.ID, req.Reason, strings.TrimSpace(req.Details), space.FlagThreshold, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFlag) {
			writeError(w, http.StatusConflict, errors.New("already flagged"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "flag_count": result.FlagCount})
}

// --- spaces ---

func (s *Server) handleListSpaces(w http.ResponseWriter, r *http.Request) {
	spaces, err := s.store.ListSpaces(r.Context(), parseIntDefault(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spaces": spaces})
}

func (s *Server) handleCreateSpace(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireModerator(w, r); !ok {
		return
	}
	var req struct {
		Slug          string `json:"slug"`
		DisplayName   string `json:"display_name"`
		Description   string `json:"description"`
		TTLHours      int    `json:"ttl_hours"`
		FlagThreshold int    `json:"flag_threshold"`
		AutoMod       *bool  `json:"auto_mod_enabled"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slug := strings.ToLower(strings.TrimSpace(req.Slug))
	if !slugPattern.MatchString(slug) || reservedSlugs[slug] {
		writeError(w, http.StatusBadRequest, errors.New("invalid slug"))
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, http.StatusBadRequest, errors.New("display_name required"))
		return
	}

	threshold := req.FlagThreshold
	if threshold <= 0 {
		threshold = s.cfg.Moderation.FlagThreshold
	}
	autoMod := true
	if req.AutoMod != nil {
		autoMod = *req.AutoMod
	}
	space := model.Space{
		Slug:           slug,
		DisplayName:    strings.TrimSpace(req.DisplayName),
		Description:    strings.TrimSpace(req.Description),
		TTLHours:       s.cfg.ClampTTL(req.TTLHours),
		FlagThreshold:  threshold,
		AutoModEnabled: autoMod,
		IsActive:       true,
		CreatedAt:      time.Now(),
	}
	id, err := s.store.CreateSpace(r.Context(), &space)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSlug) {
			writeError(w, http.StatusConflict, errors.New("slug already exists"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	space.ID = id
	writeJSON(w, http.StatusCreated, space)
}

func (s *Server) handleGetSpace(w http.ResponseWriter, r *http.Request, slug string) {
	space, err := s.store.GetSpaceBySlug(r.Context(), strings.ToLower(slug))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, space)
}

func (s *Server) handleSpaceStats(w http.ResponseWriter, r *http.Request, slug string) {
	space, err := s.store.GetSpaceBySlug(r.Context(), strings.ToLower(slug))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	stats, err := s.store.ExpirationStats(r.Context(), space.ID, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"space":      space.Slug,
		"ttl_hours":  space.TTLHours,
		"expiration": stats,
	})
}

// --- device ---

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	device, ok := s.resolveDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// --- auth ---

func (s *Server) handleAuthChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alg string `json:"alg"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Alg) == "" {
		writeError(w, http.StatusBadRequest, errors.New("alg required"))
		return
	}
	challenge, err := s.auth.CreateChallenge(r.Context(), strings.TrimSpace(req.Alg))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"challenge":  challenge.Challenge,
		"expires_at": challenge.ExpiresAt,
	})
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alg       string `json:"alg"`
		PublicKey string `json:"public_key"`
		Challenge string `json:"challenge"`
		Signature string `json:"signature"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Alg == "" || req.PublicKey == "" || req.Challenge == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing fields"))
		return
	}
	token, mod, err := s.auth.VerifyAndCreateToken(
		r.Context(),
		strings.TrimSpace(req.Alg),
		strings.TrimSpace(req.PublicKey),
		strings.TrimSpace(req.Challenge),
		strings.TrimSpace(req.Signature),
	)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token.Token,
		"expires_at":   token.ExpiresAt,
		"moderator_id": mod.ID,
	})
}

// --- admin ---

// handleAdminHide takes either a post_id or a reply_id.
func (s *Server) handleAdminHide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PostID  int64  `json:"post_id"`
		ReplyID int64  `json:"reply_id"`
		Reason  string `json:"reason"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch {
	case req.PostID != 0:
		if err := s.store.HidePost(r.Context(), req.PostID, strings.TrimSpace(req.Reason)); err != nil {
			writeStoreError(w, err)
			return
		}
	case req.ReplyID != 0:
		if err := s.store.HideReply(r.Context(), req.ReplyID); err != nil {
			writeStoreError(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New("post_id or reply_id required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAdminGetDevice exposes a device for moderation with the fingerprint
// redacted to a short prefix.
func (s *Server) handleAdminGetDevice(w http.ResponseWriter, r *http.Request, idStr string) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid device id"))
		return
	}
	device, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	redacted := device.FingerprintHash
	if len(redacted) > 8 {
		redacted = redacted[:8] + "…"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device":      device,
		"fingerprint": redacted,
	})
}

func (s *Server) handleAdminBan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID int64  `json:"device_id"`
		Reason   string `json:"reason"`
		Hours    int    `json:"hours"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DeviceID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("device_id required"))
		return
	}
	// hours <= 0 means permanent.
	var until *time.Time
	if req.Hours > 0 {
		t := time.Now().Add(time.Duration(req.Hours) * time.Hour)
		until = &t
	}
	if err := s.identity.Ban(r.Context(), req.DeviceID, strings.TrimSpace(req.Reason), until); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ban_expires_at": until})
}

func (s *Server) handleAdminUnban(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID int64 `json:"device_id"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DeviceID == 0 {
		writeError(w, http.StatusBadRequest, errors.New("device_id required"))
		return
	}
	if err := s.identity.Unban(r.Context(), req.DeviceID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAdminFlagged(w http.ResponseWriter, r *http.Request) {
	space, ok := s.resolveSpace(w, r, "")
	if !ok {
		return
	}
	minFlags := parseIntDefault(r.URL.Query().Get("min"), 1)
	posts, err := s.store.ListFlaggedPosts(r.Context(), space.ID, minFlags, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	objectionable, err := s.escalation.ObjectionablePosts(r.Context(), space.ID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"space":         space.Slug,
		"posts":         posts,
		"objectionable": objectionable,
	})
}

func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.sweeper.Sweep(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "stats": s.sweeper.Stats()})
}

func (s *Server) handleAdminAddPattern(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Pattern) == "" {
		writeError(w, http.StatusBadRequest, errors.New("pattern required"))
		return
	}
	if err := s.moderation.AddBannedPattern(req.Pattern); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stats": s.moderation.Stats()})
}

func (s *Server) handleAdminCreateModerator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
		Alg         string `json:"alg"`
		PublicKey   string `json:"public_key"`
	}
	if err := readJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" || req.Alg == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing fields"))
		return
	}
	mod, err := s.auth.Register(r.Context(), strings.TrimSpace(req.DisplayName), req.Alg, strings.TrimSpace(req.PublicKey))
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, mod)
}

// --- system ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"cleanup_mode": s.cfg.Cleanup.Mode,
		"cleanup":      s.sweeper.Stats(),
		"moderation":   s.moderation.Stats(),
	})
}

// handleConfig echoes the tunables a client needs to behave well. Secrets and
// operational knobs stay out.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ttl_default_hours":  s.cfg.TTL.DefaultHours,
		"ttl_min_hours":      s.cfg.TTL.MinHours,
		"ttl_max_hours":      s.cfg.TTL.MaxHours,
		"max_post_len":       s.cfg.Content.MaxPostLen,
		"max_reply_len":      s.cfg.Content.MaxReplyLen,
		"min_post_len":       s.cfg.Content.MinPostLen,
		"max_posts_per_hour": s.cfg.RateLimits.MaxPostsPerHour,
		"reaction_types":     model.ReactionTypes,
		"flag_reasons":       model.FlagReasons,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.sweeper.Pending(r.Context(), time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cleanup":    s.sweeper.Stats(),
		"pending":    pending,
		"moderation": s.moderation.Stats(),
	})
}

// --- request plumbing ---

// resolveSpace picks the space from the request body value, the ?space query
// parameter, or the X-Space header, in that order, falling back to the main
// wall. Inactive spaces read as missing.
func (s *Server) resolveSpace(w http.ResponseWriter, r *http.Request, explicit string) (model.Space, bool) {
	slug := strings.TrimSpace(explicit)
	if slug == "" {
		slug = strings.TrimSpace(r.URL.Query().Get("space"))
	}
	if slug == "" {
		slug = strings.TrimSpace(r.Header.Get("X-Space"))
	}
	if slug == "" {
		slug = defaultSpaceSlug
	}
	space, err := s.store.GetSpaceBySlug(r.Context(), strings.ToLower(slug))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, errors.New("unknown space"))
			return model.Space{}, false
		}
		writeError(w, http.StatusInternalServerError, err)
		return model.Space{}, false
	}
	if !space.IsActive {
		writeError(w, http.StatusNotFound, errors.New("unknown space"))
		return model.Space{}, false
	}
	return space, true
}

func (s *Server) resolveDevice(w http.ResponseWriter, r *http.Request) (model.Device, bool) {
	device, err := s.identity.Resolve(r.Context(), identity.Signals{
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Platform:       r.Header.Get("Sec-CH-UA-Platform"),
		DeviceToken:    r.Header.Get("X-Device-Token"),
		RemoteAddr:     s.clientIP(r),
	}, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return model.Device{}, false
	}
	return device, true
}

// loadViewablePost fetches a post by path id and hides expired or moderated
// posts behind 404. Grayed posts stay directly addressable.
func (s *Server) loadViewablePost(w http.ResponseWriter, r *http.Request, idStr string) (model.Post, bool) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid post id"))
		return model.Post{}, false
	}
	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return model.Post{}, false
	}
	if !post.IsVisible || !post.ExpiresAt.After(time.Now()) {
		notFound(w)
		return model.Post{}, false
	}
	return post, true
}

// annotatePosts attaches the caller-relative fields. Ownership is a session
// property, not a device one: a shared device shows is_own only inside the
// browser session that wrote the post.
func (s *Server) annotatePosts(ctx context.Context, posts []model.Post, deviceID int64, session string) ([]postView, error) {
	views := make([]postView, 0, len(posts))
	if len(posts) == 0 {
		return views, nil
	}
	ids := make([]int64, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	mine, err := s.store.ListDeviceReactions(ctx, deviceID, ids)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, p := range posts {
		views = append(views, postView{
			Post:       p,
			IsOwn:      ownsSession(p.SessionToken, session),
			MyReaction: mine[p.ID],
			ExpiresIn:  int64(p.ExpiresAt.Sub(now).Seconds()),
		})
	}
	return views, nil
}

func ownsSession(stored, session string) bool {
	return stored != "" && stored == session
}

func (s *Server) writeGateError(w http.ResponseWriter, device model.Device, err error) {
	switch {
	case errors.Is(err, identity.ErrBanned):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":          "device is banned",
			"ban_reason":     device.BanReason,
			"ban_expires_at": device.BanExpiresAt,
		})
	case errors.Is(err, identity.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "too many posts, slow down",
		})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// sessionFrom reads the session cookie without minting one; read paths never
// set cookies.
func (s *Server) sessionFrom(r *http.Request) string {
	if c, err := r.Cookie(s.cfg.SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// ensureSession returns the session cookie value, minting one when absent.
// The cookie only marks "own" content within a browser session; device
// identity does not depend on it.
func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(s.cfg.SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	value := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     s.cfg.SessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return value
}

func (s *Server) requireModerator(w http.ResponseWriter, r *http.Request) (auth.Verified, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
		return auth.Verified{}, false
	}
	bearer := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	verified, err := s.auth.Authenticate(r.Context(), bearer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = errors.New("invalid token")
		}
		writeError(w, http.StatusUnauthorized, err)
		return auth.Verified{}, false
	}
	return verified, true
}

func (s *Server) allowRateLimit(w http.ResponseWriter, r *http.Request, action string, limit int) bool {
	if limit <= 0 {
		return true
	}
	key := action + ":" + s.clientIP(r)
	if ok, retry := s.limiter.Allow(key, limit, time.Minute); !ok {
		writeRateLimit(w, retry)
		return false
	}
	return true
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		notFound(w)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeRateLimit(w http.ResponseWriter, retry time.Duration) {
	seconds := int(retry.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": seconds,
	})
}

func notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, errors.New("not found"))
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func readJSON(body io.ReadCloser, dest any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return def
}

func parseInt64Default(value string, def int64) int64 {
	if value == "" {
		return def
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	return def
}

func nextCursor(posts []model.Post) int64 {
	if len(posts) == 0 {
		return 0
	}
	return posts[len(posts)-1].CreatedAt.UnixNano()
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
