// Seed bootstraps a fresh Driftwall database: the default spaces, the first
// moderator key, and optionally a batch of demo posts. It writes to the
// database directly because the admin API needs a moderator to exist first.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/joho/godotenv"

	"github.com/driftwall/driftwall/internal/auth"
	"github.com/driftwall/driftwall/internal/client"
	"github.com/driftwall/driftwall/internal/config"
	"github.com/driftwall/driftwall/internal/identity"
	"github.com/driftwall/driftwall/internal/model"
	"github.com/driftwall/driftwall/internal/store/sqlite"
)

var spaces = []model.Space{
	{Slug: "main", DisplayName: "Ana Duvar", Description: "Söyle ve bırak gitsin", TTLHours: 24},
	{Slug: "night", DisplayName: "Gece Duvarı", Description: "Gece yazılanlar iki gün kalır", TTLHours: 48},
	{Slug: "vent", DisplayName: "Dert Duvarı", Description: "İçini dök, sabaha kalmaz", TTLHours: 12},
}

var demoPosts = []string{
	"bugün kimseyle konuşmak istemedim ve bu iyi hissettirdi",
	"otobüste yanımda oturan adam sesli video izledi, dayanamadım indim",
	"üç yıldır aynı işteyim ve hala pazartesileri midem bulanıyor",
	"annemin yemeklerini özledim, kimseye söyleyemiyorum",
	"sınavdan kaldım ama kimse bilmiyor, burada yazmak rahatlattı",
	"komşunun kedisi her sabah camıma geliyor, günün en iyi kısmı",
	"yeni taşındığım şehirde tek bir arkadaşım bile yok",
	"bugün bir yabancıya yol tarif ettim ve teşekkür etti, mutlu oldum",
}

func main() {
	_ = godotenv.Load()

	dbPath := flag.String("db", "", "Database path (default: DRIFTWALL_DB)")
	modName := flag.String("mod", "operator", "First moderator's display name")
	pubKey := flag.String("pubkey", "", "Moderator public key (generates a keypair if empty)")
	demo := flag.Bool("demo", false, "Seed demo posts")
	flag.Parse()

	cfg := config.Load()
	if *dbPath == "" {
		*dbPath = cfg.DBPath
	}

	st, err := sqlite.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	now := time.Now()

	for _, space := range spaces {
		space.FlagThreshold = cfg.Moderation.FlagThreshold
		space.AutoModEnabled = true
		space.IsActive = true
		space.CreatedAt = now
		if _, err := st.CreateSpace(ctx, &space); err != nil {
			log.Printf("space %s: %v (skipping)", space.Slug, err)
			continue
		}
		fmt.Printf("✓ Space %s (%dh)\n", space.Slug, space.TTLHours)
	}

	key := *pubKey
	if key == "" {
		creds, err := client.GenerateCredentials(*modName)
		if err != nil {
			log.Fatalf("generate keypair: %v", err)
		}
		key = creds.PublicKey
		fmt.Printf("✓ Generated moderator keypair\n")
		fmt.Printf("  Public:  %s\n", creds.PublicKey)
		fmt.Printf("  Private: %x\n", []byte(creds.PrivateKey))
		fmt.Println("  Store the private key; it is not persisted anywhere.")
	}

	authSvc := auth.NewService(st, cfg.TokenTTL, cfg.ChallengeTTL)
	mod, err := authSvc.Register(ctx, *modName, "ed25519", key)
	if err != nil {
		log.Printf("moderator: %v (skipping)", err)
	} else {
		fmt.Printf("✓ Moderator %s (id %d)\n", *modName, mod.ID)
	}

	if *demo {
		seedDemo(ctx, st, cfg, now)
	}
}

func seedDemo(ctx context.Context, st *sqlite.Store, cfg config.Config, now time.Time) {
	hasher := identity.NewHasher(cfg.FingerprintSalt)
	space, err := st.GetSpaceBySlug(ctx, "main")
	if err != nil {
		log.Fatalf("main space: %v", err)
	}

	for i, content := range demoPosts {
		device := model.Device{
			FingerprintHash: hasher.Hash(identity.Signals{DeviceToken: fmt.Sprintf("seed-device-%d", i)}),
			ReputationScore: cfg.Reputation.Start,
			FirstSeenAt:     now,
			LastSeenAt:      now,
		}
		deviceID, err := st.CreateDevice(ctx, &device)
		if err != nil {
			log.Printf("device %d: %v (skipping)", i, err)
			continue
		}

		createdAt := now.Add(-time.Duration(rand.Intn(600)) * time.Minute)
		post := model.Post{
			SpaceID:   space.ID,
			DeviceID:  deviceID,
			Content:   content,
			CreatedAt: createdAt,
			ExpiresAt: createdAt.Add(time.Duration(space.TTLHours) * time.Hour),
			IsVisible: true,
		}
		if _, err := st.CreatePost(ctx, &post); err != nil {
			log.Printf("post %d: %v (skipping)", i, err)
			continue
		}
	}
	fmt.Printf("✓ Seeded %d demo posts into %s\n", len(demoPosts), space.Slug)
}
