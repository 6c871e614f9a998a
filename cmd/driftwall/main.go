package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/driftwall/driftwall/internal/auth"
	"github.com/driftwall/driftwall/internal/cleanup"
	"github.com/driftwall/driftwall/internal/client"
	"github.com/driftwall/driftwall/internal/config"
	"github.com/driftwall/driftwall/internal/escalation"
	httpapp "github.com/driftwall/driftwall/internal/http"
	"github.com/driftwall/driftwall/internal/identity"
	"github.com/driftwall/driftwall/internal/moderation"
	"github.com/driftwall/driftwall/internal/rate"
	"github.com/driftwall/driftwall/internal/store/sqlite"
)

// CLIConfig holds the CLI client configuration persisted to disk.
type CLIConfig struct {
	BaseURL     string `json:"base_url"`
	DeviceToken string `json:"device_token"`
	DisplayName string `json:"display_name,omitempty"`
	PublicKey   string `json:"public_key,omitempty"`
	PrivateKey  string `json:"private_key,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExp    string `json:"token_expires,omitempty"`
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		runServer()
		return
	}

	cmd := os.Args[1]

	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		printUsage()
		return
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println("driftwall v0.1.0")
		return
	}
	if strings.HasPrefix(cmd, "-") {
		runServer()
		return
	}

	args := os.Args[2:]

	switch cmd {
	case "server", "serve":
		runServer()
	case "init":
		cmdInit(args)
	case "login", "auth":
		cmdLogin(args)
	case "post":
		cmdPost(args)
	case "read", "feed":
		cmdRead(args)
	case "reply":
		cmdReply(args)
	case "react":
		cmdReact(args)
	case "flag":
		cmdFlag(args)
	case "spaces":
		cmdSpaces(args)
	case "status", "whoami":
		cmdStatus(args)
	case "cleanup":
		cmdCleanup(args)
	case "hide":
		cmdHide(args)
	case "ban":
		cmdBan(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`driftwall - ephemeral anonymous walls

Usage:
  driftwall [serve]                   Run the server (default)

Client commands:
  driftwall init [--url <server>]     Create a local device identity
  driftwall post [--space <slug>] <text>
  driftwall read [--space <slug>] [--limit <n>]
  driftwall reply --post <id> <text>
  driftwall react --post <id> --type <agree|not_alone|exaggerated|crossing_line>
  driftwall flag --post <id> --reason <reason>
  driftwall spaces                    List walls
  driftwall status                    Show your device as the server sees it

Moderator commands:
  driftwall login                     Sign in with the registered keypair
  driftwall cleanup [--preview]       Trigger an expiration sweep (or count only)
  driftwall hide --post <id> [--reason <text>]
  driftwall ban --device <id> [--hours <n>] [--reason <text>]

Server configuration is environment driven (DRIFTWALL_* variables).`)
}

func runServer() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer st.Close()

	id := identity.NewService(st, identity.NewHasher(cfg.FingerprintSalt), cfg.Reputation.Start, cfg.Reputation.MinToPost, cfg.RateLimits.MaxPostsPerHour)
	mod := moderation.NewEngine(cfg.Content.MinPostLen, cfg.Moderation.WarnScore)
	esc := escalation.NewCoordinator(st, id, cfg.Moderation.FlagThreshold, cfg.Moderation.ObjectionThreshold)
	authSvc := auth.NewService(st, cfg.TokenTTL, cfg.ChallengeTTL)
	sweeper := cleanup.NewSweeper(st, log.Default())

	server := httpapp.NewServer(st, id, mod, esc, authSvc, sweeper, rate.NewMemory(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.Cleanup.Mode == config.CleanupModeTimer {
		timer := cleanup.NewTimer(sweeper, cfg.Cleanup.Interval)
		go timer.Run(ctx)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("driftwall listening on %s (cleanup mode %s)", cfg.Addr, cfg.Cleanup.Mode)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// ============================================================================
// CLIENT COMMANDS
// ============================================================================

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080", "Driftwall server URL")
	name := fs.String("name", "", "Moderator display name (optional, generates a keypair)")
	fs.Parse(args)

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating device token: %v\n", err)
		os.Exit(1)
	}

	cfg := CLIConfig{
		BaseURL:     strings.TrimSuffix(*url, "/"),
		DeviceToken: hex.EncodeToString(buf),
	}

	if *name != "" {
		creds, err := client.GenerateCredentials(*name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating keypair: %v\n", err)
			os.Exit(1)
		}
		cfg.DisplayName = *name
		cfg.PublicKey = creds.PublicKey
		cfg.PrivateKey = base64.StdEncoding.EncodeToString(creds.PrivateKey)
	}

	if err := saveCLIConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Initialized device identity")
	fmt.Printf("  Config: %s\n", cliConfigPath())
	fmt.Printf("  Server: %s\n", cfg.BaseURL)
	if cfg.PublicKey != "" {
		fmt.Printf("  Key:    %s...\n", cfg.PublicKey[:20])
		fmt.Println("\nHave an operator register this key, then: driftwall login")
	}
}

func cmdLogin(args []string) {
	cfg, creds, c, err := loadClientWithCreds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if creds == nil {
		fmt.Fprintln(os.Stderr, "Error: no keypair; run 'driftwall init --name <you>' first")
		os.Exit(1)
	}

	if err := c.Authenticate(creds); err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}
	cfg.Token = c.Token
	cfg.TokenExp = c.TokenExp.Format(time.RFC3339)
	if err := saveCLIConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Signed in as %s (token valid until %s)\n", cfg.DisplayName, cfg.TokenExp)
}

func cmdPost(args []string) {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	space := fs.String("space", "", "Target space slug (default main)")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: driftwall post [--space <slug>] <text>")
		os.Exit(1)
	}
	content := strings.Join(fs.Args(), " ")

	c := mustClient()
	post, err := c.CreatePost(*space, content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Posted #%d, fades at %s\n", post.ID, post.ExpiresAt.Local().Format("Jan 2 15:04"))
}

func cmdRead(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	space := fs.String("space", "", "Space slug (default main)")
	limit := fs.Int("limit", 20, "Number of posts")
	fs.Parse(args)

	c := mustClient()
	feed, err := c.GetFeed(*space, *limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(feed.Posts) == 0 {
		fmt.Println("The wall is empty.")
		return
	}
	for _, p := range feed.Posts {
		marker := " "
		if p.IsOwn {
			marker = "*"
		}
		left := time.Until(p.ExpiresAt).Round(time.Minute)
		fmt.Printf("%s #%-5d %s\n", marker, p.ID, p.Content)
		fmt.Printf("         %d reactions, %d replies, fades in %s\n", p.ReactionCount, p.ReplyCount, left)
	}
}

func cmdReply(args []string) {
	fs := flag.NewFlagSet("reply", flag.ExitOnError)
	post := fs.Int64("post", 0, "Post ID (required)")
	fs.Parse(args)

	if *post == 0 || fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: driftwall reply --post <id> <text>")
		os.Exit(1)
	}

	c := mustClient()
	if _, err := c.Reply(*post, strings.Join(fs.Args(), " ")); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Replied to #%d\n", *post)
}

func cmdReact(args []string) {
	fs := flag.NewFlagSet("react", flag.ExitOnError)
	post := fs.Int64("post", 0, "Post ID (required)")
	typ := fs.String("type", "", "Reaction type (required)")
	fs.Parse(args)

	if *post == 0 || *typ == "" {
		fmt.Fprintln(os.Stderr, "Usage: driftwall react --post <id> --type <agree|not_alone|exaggerated|crossing_line>")
		os.Exit(1)
	}

	c := mustClient()
	status, err := c.React(*post, *typ)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Reaction %s\n", status)
}

func cmdFlag(args []string) {
	fs := flag.NewFlagSet("flag", flag.ExitOnError)
	post := fs.Int64("post", 0, "Post ID (required)")
	reason := fs.String("reason", "", "Flag reason (required)")
	details := fs.String("details", "", "Optional details")
	fs.Parse(args)

	if *post == 0 || *reason == "" {
		fmt.Fprintln(os.Stderr, "Usage: driftwall flag --post <id> --reason <reason> [--details <text>]")
		os.Exit(1)
	}

	c := mustClient()
	count, err := c.Flag(*post, *reason, *details)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Flagged #%d (%d total)\n", *post, count)
}

func cmdSpaces(args []string) {
	c := mustClient()
	spaces, err := c.ListSpaces()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, s := range spaces {
		fmt.Printf("%-16s %s (posts fade after %dh)\n", s.Slug, s.DisplayName, s.TTLHours)
	}
}

func cmdStatus(args []string) {
	cfg, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (run 'driftwall init' first)\n", err)
		os.Exit(1)
	}
	fmt.Printf("Server:  %s\n", cfg.BaseURL)
	fmt.Printf("Device:  %s...\n", cfg.DeviceToken[:12])
	if cfg.Token != "" {
		fmt.Printf("Moderator token valid until %s\n", cfg.TokenExp)
	}

	c := mustClient()
	if err := c.Health(); err != nil {
		fmt.Printf("Health:  unreachable (%v)\n", err)
		return
	}
	fmt.Println("Health:  ok")
}

func cmdCleanup(args []string) {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	preview := fs.Bool("preview", false, "Count expired posts without deleting")
	fs.Parse(args)

	if *preview {
		c := mustClient()
		pending, err := c.PendingCleanup()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d posts pending deletion\n", pending)
		return
	}

	c := mustAuthenticatedClient()
	deleted, err := c.TriggerCleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Swept %d expired posts\n", deleted)
}

func cmdHide(args []string) {
	fs := flag.NewFlagSet("hide", flag.ExitOnError)
	post := fs.Int64("post", 0, "Post ID (required)")
	reason := fs.String("reason", "manual", "Reason")
	fs.Parse(args)

	if *post == 0 {
		fmt.Fprintln(os.Stderr, "Usage: driftwall hide --post <id> [--reason <text>]")
		os.Exit(1)
	}

	c := mustAuthenticatedClient()
	if err := c.HidePost(*post, *reason); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Hid #%d\n", *post)
}

func cmdBan(args []string) {
	fs := flag.NewFlagSet("ban", flag.ExitOnError)
	device := fs.Int64("device", 0, "Device ID (required)")
	hours := fs.Int("hours", 0, "Ban length in hours (0 = permanent)")
	reason := fs.String("reason", "", "Reason")
	fs.Parse(args)

	if *device == 0 {
		fmt.Fprintln(os.Stderr, "Usage: driftwall ban --device <id> [--hours <n>] [--reason <text>]")
		os.Exit(1)
	}

	c := mustAuthenticatedClient()
	if err := c.BanDevice(*device, *reason, *hours); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *hours > 0 {
		fmt.Printf("✓ Banned device %d for %dh\n", *device, *hours)
	} else {
		fmt.Printf("✓ Banned device %d permanently\n", *device)
	}
}

// ============================================================================
// CLI CONFIG
// ============================================================================

func driftwallDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".driftwall")
}

func cliConfigPath() string {
	return filepath.Join(driftwallDir(), "config.json")
}

func loadCLIConfig() (CLIConfig, error) {
	var cfg CLIConfig
	raw, err := os.ReadFile(cliConfigPath())
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func saveCLIConfig(cfg CLIConfig) error {
	if err := os.MkdirAll(driftwallDir(), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cliConfigPath(), raw, 0o600)
}

func loadClientWithCreds() (CLIConfig, *client.Credentials, *client.Client, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("no config; run 'driftwall init' first")
	}
	c := client.New(cfg.BaseURL)
	c.DeviceToken = cfg.DeviceToken

	if cfg.PrivateKey == "" {
		return cfg, nil, c, nil
	}
	creds, err := client.CredentialsFromKeys(cfg.DisplayName, cfg.PublicKey, cfg.PrivateKey)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, creds, c, nil
}

func mustClient() *client.Client {
	_, _, c, err := loadClientWithCreds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return c
}

func mustAuthenticatedClient() *client.Client {
	cfg, creds, c, err := loadClientWithCreds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Token != "" {
		if exp, err := time.Parse(time.RFC3339, cfg.TokenExp); err == nil && time.Now().Before(exp) {
			c.Token = cfg.Token
			c.TokenExp = exp
			return c
		}
	}
	if creds == nil {
		fmt.Fprintln(os.Stderr, "Error: moderator commands need a keypair; run 'driftwall init --name <you>' and 'driftwall login'")
		os.Exit(1)
	}
	if err := c.Authenticate(creds); err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		os.Exit(1)
	}
	cfg.Token = c.Token
	cfg.TokenExp = c.TokenExp.Format(time.RFC3339)
	_ = saveCLIConfig(cfg)
	return c
}
