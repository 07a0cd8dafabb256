// Command fake_data generates a synthetic creative catalog and writes it to
// Postgres or a YAML file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/patrickwarner/adengine/internal/config"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
)

var (
	advertisers   = flag.Int("advertisers", 10, "number of advertisers")
	campPerAdv    = flag.Int("campaigns", 2, "campaigns per advertiser")
	setsPerCamp   = flag.Int("sets", 2, "creative sets per campaign")
	creativesPer  = flag.Int("creatives", 2, "creatives per creative set")
	untargetedPct = flag.Float64("untargeted", 0.1, "share of creative sets with no segment")
	seed          = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	outFile       = flag.String("out", "", "write a YAML catalog to this path instead of Postgres")
	antiTargeting = flag.String("anti-targeting", "", "also write an anti-targeting resource to this path")
	skipReload    = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
)

var segmentPool = []string{
	"sports", "sports-football", "sports-tennis",
	"travel", "travel-hotels", "travel-air travel",
	"technology & computing", "technology & computing-laptops", "technology & computing-smartphones",
	"food & drink", "food & drink-cooking",
	"personal finance", "personal finance-investing",
	"automotive", "automotive-electric vehicles",
}

var (
	sizePool = []string{"300x250", "300x250", "728x90", "320x50"}
	geoPool  = [][]string{nil, nil, {"US"}, {"US-CA", "US-NY"}, {"GB"}, {"US", "CA"}}
	sitePool = []string{"competitor.example", "rival.example", "othershop.example", "brand.example"}
)

type catalogDoc struct {
	Creatives []models.CreativeAd `yaml:"creatives"`
}

type antiTargetingDoc struct {
	Version int                 `json:"version"`
	Sites   map[string][]string `json:"sites"`
}

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	r := rand.New(rand.NewSource(*seed))
	creatives, sites := generate(r, time.Now().UTC())
	if errs := db.ValidateCatalog(creatives); len(errs) > 0 {
		logger.Fatal("generated catalog is invalid", zap.Errors("errors", errs))
	}

	if *outFile != "" {
		raw, err := yaml.Marshal(catalogDoc{Creatives: creatives})
		if err != nil {
			logger.Fatal("encode catalog", zap.Error(err))
		}
		if err := os.WriteFile(*outFile, raw, 0o644); err != nil {
			logger.Fatal("write catalog", zap.Error(err))
		}
		fmt.Printf("wrote %d creatives to %s\n", len(creatives), *outFile)
	} else {
		pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
			os.Exit(1)
		}
		defer pg.Close()

		ctx := context.Background()
		for _, c := range creatives {
			if err := pg.UpsertCreative(ctx, c); err != nil {
				logger.Fatal("insert creative", zap.Error(err))
			}
		}
		fmt.Printf("inserted %d creatives\n", len(creatives))
	}

	if *antiTargeting != "" {
		raw, err := json.MarshalIndent(antiTargetingDoc{Version: 1, Sites: sites}, "", "  ")
		if err != nil {
			logger.Fatal("encode anti-targeting", zap.Error(err))
		}
		if err := os.WriteFile(*antiTargeting, raw, 0o644); err != nil {
			logger.Fatal("write anti-targeting", zap.Error(err))
		}
		fmt.Printf("wrote anti-targeting rules for %d ids to %s\n", len(sites), *antiTargeting)
	}

	if !*skipReload {
		if err := callReloadEndpoint(cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

// generate builds advertisers -> campaigns -> creative sets -> creatives.
// Creatives in one set share a segment, caps and geo targets. Some sets get
// anti-targeting sites.
func generate(r *rand.Rand, now time.Time) ([]models.CreativeAd, map[string][]string) {
	var out []models.CreativeAd
	sites := make(map[string][]string)
	for a := 0; a < *advertisers; a++ {
		advID := fmt.Sprintf("adv-%03d", a)
		brand := fakeBrand(r)
		for c := 0; c < *campPerAdv; c++ {
			campID := fmt.Sprintf("%s-camp-%02d", advID, c)
			dailyCap := 0
			if r.Float64() < 0.5 {
				dailyCap = 2 + r.Intn(6)
			}
			start, end := flightWindow(r, now)
			for s := 0; s < *setsPerCamp; s++ {
				setID := fmt.Sprintf("%s-set-%02d", campID, s)
				segment := segmentPool[r.Intn(len(segmentPool))]
				if r.Float64() < *untargetedPct {
					segment = models.UntargetedSegment
				}
				perHour, perDay, total := randomCaps(r)
				geo := geoPool[r.Intn(len(geoPool))]
				if r.Float64() < 0.2 {
					sites[setID] = []string{"https://" + sitePool[r.Intn(len(sitePool))]}
				}
				for x := 0; x < *creativesPer; x++ {
					id := fmt.Sprintf("%s-cr-%02d", setID, x)
					out = append(out, models.CreativeAd{
						CreativeInstanceID: id,
						CreativeSetID:      setID,
						CampaignID:         campID,
						AdvertiserID:       advID,
						Segment:            segment,
						Size:               sizePool[r.Intn(len(sizePool))],
						PerHour:            perHour,
						PerDay:             perDay,
						TotalMax:           total,
						CampaignDailyCap:   dailyCap,
						StartAt:            start,
						EndAt:              end,
						GeoTargets:         geo,
						Title:              fmt.Sprintf("%s %s", brand, headline(r, segment)),
						Description:        fmt.Sprintf("Offer %d from %s", x+1, brand),
						ImageURL:           fmt.Sprintf("https://cdn.example.com/%s.png", id),
						TargetURL:          fmt.Sprintf("https://%s.example.com/?utm_campaign=%s", strings.ToLower(brand), campID),
					})
				}
			}
		}
	}
	return out, sites
}

func randomCaps(r *rand.Rand) (perHour, perDay, total int) {
	if r.Float64() < 0.6 {
		perHour = 1 + r.Intn(2)
	}
	if r.Float64() < 0.7 {
		perDay = 2 + r.Intn(5)
	}
	if r.Float64() < 0.3 {
		total = 5 + r.Intn(20)
	}
	return perHour, perDay, total
}

// flightWindow returns an open, running or scheduled flight.
func flightWindow(r *rand.Rand, now time.Time) (time.Time, time.Time) {
	switch r.Intn(5) {
	case 0:
		return time.Time{}, time.Time{}
	case 1:
		return now.Add(24 * time.Hour), now.Add(15 * 24 * time.Hour)
	default:
		start := now.Add(-time.Duration(1+r.Intn(10)) * 24 * time.Hour)
		return start, start.Add(time.Duration(20+r.Intn(40)) * 24 * time.Hour)
	}
}

func fakeBrand(r *rand.Rand) string {
	first := []string{"Acme", "Globex", "Initech", "Umbrella", "Stark", "Wayne", "Hooli", "Vandelay"}
	second := []string{"Labs", "Works", "Goods", "Direct", "Co"}
	return first[r.Intn(len(first))] + second[r.Intn(len(second))]
}

func headline(r *rand.Rand, segment string) string {
	parent := models.ParentSegment(segment)
	words := []string{"deals", "picks", "essentials", "favorites", "offers"}
	if parent == "" || parent == models.UntargetedSegment {
		parent = "everyday"
	}
	return strings.ToUpper(parent[:1]) + parent[1:] + " " + words[r.Intn(len(words))]
}

func callReloadEndpoint(cfg config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest("POST", reloadURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call reload endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("reload endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
