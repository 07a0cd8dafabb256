// Command mcp-server exposes read-only catalog and eligibility inspection
// tools over the Model Context Protocol.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/adengine/internal/antitargeting"
	"github.com/patrickwarner/adengine/internal/config"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/history"
	"github.com/patrickwarner/adengine/internal/logic"
	"github.com/patrickwarner/adengine/internal/logic/eligible"
	"github.com/patrickwarner/adengine/internal/logic/filters"
	"github.com/patrickwarner/adengine/internal/models"
	"github.com/patrickwarner/adengine/internal/observability"
	"github.com/patrickwarner/adengine/internal/opportunity"
)

type ExplainEligibilityInput struct {
	UserID         string   `json:"user_id"`
	PageSegments   []string `json:"page_segments,omitempty"`
	IntentSegments []string `json:"intent_segments,omitempty"`
	VisitedSites   []string `json:"visited_sites,omitempty"`
	Size           string   `json:"size,omitempty"`
	Country        string   `json:"country,omitempty"`
	Subdivision    string   `json:"subdivision,omitempty"`
}

type ExplainEligibilityOutput struct {
	Segments    []string              `json:"segments"`
	Available   bool                  `json:"available"`
	Eligible    []string              `json:"eligible"`
	Questions   []string              `json:"opportunity_questions,omitempty"`
	Trace       *logic.SelectionTrace `json:"trace"`
	Unavailable string                `json:"unavailable,omitempty"`
}

type ListSegmentsInput struct{}

type SegmentCount struct {
	Segment   string `json:"segment"`
	Creatives int    `json:"creatives"`
}

type ListSegmentsOutput struct {
	Segments []SegmentCount `json:"segments"`
}

// InspectServer holds our dependencies
type InspectServer struct {
	catalog      *db.Catalog
	resolver     *logic.Resolver
	orchestrator *eligible.Orchestrator
	resource     *antitargeting.Resource
	logger       *zap.Logger
}

// ExplainEligibility runs the eligibility pipeline for a hypothetical
// request and returns every stage's survivors. It never records an
// opportunity or an impression.
func (s *InspectServer) ExplainEligibility(ctx context.Context, req *mcp.CallToolRequest, input ExplainEligibilityInput) (*mcp.CallToolResult, ExplainEligibilityOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if input.UserID == "" {
		return nil, ExplainEligibilityOutput{}, fmt.Errorf("user_id is required")
	}
	session := models.Session{
		UserID:         input.UserID,
		PageSegments:   input.PageSegments,
		IntentSegments: input.IntentSegments,
		VisitedSites:   input.VisitedSites,
		Geo:            models.Geo{Country: input.Country, Subdivision: input.Subdivision},
	}
	out := ExplainEligibilityOutput{
		Segments: s.resolver.ResolveSegments(session),
		Trace:    &logic.SelectionTrace{},
	}
	available, pool, err := s.orchestrator.GetEligible(ctx, eligible.Query{
		UserID:   session.UserID,
		Segments: out.Segments,
		Size:     input.Size,
		Geo:      session.Geo,
		Oracle:   s.resource.ForVisits(session.VisitedSites),
		Trace:    out.Trace,
	})
	if err != nil {
		out.Unavailable = err.Error()
		return nil, out, nil
	}
	out.Available = available
	out.Eligible = make([]string, 0, len(pool))
	for _, c := range pool {
		out.Eligible = append(out.Eligible, c.CreativeInstanceID)
	}
	if available {
		out.Questions = opportunity.CreateAdOpportunityQuestionList(out.Segments)
	}
	s.logger.Info("explained eligibility",
		zap.String("user_id", input.UserID),
		zap.Bool("available", available),
		zap.Int("eligible", len(pool)))
	return nil, out, nil
}

// ListCatalogSegments reports the creative count per catalog segment.
func (s *InspectServer) ListCatalogSegments(ctx context.Context, req *mcp.CallToolRequest, input ListSegmentsInput) (*mcp.CallToolResult, ListSegmentsOutput, error) {
	counts := s.catalog.Segments()
	out := ListSegmentsOutput{Segments: make([]SegmentCount, 0, len(counts))}
	for _, seg := range s.catalog.SortedSegments() {
		out.Segments = append(out.Segments, SegmentCount{Segment: seg, Creatives: counts[seg]})
	}
	return nil, out, nil
}

func newMCPServer(s *InspectServer) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "adengine",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "explain_eligibility",
		Description: "Run the eligibility pipeline for a user and segments and show which creatives survive each stage",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "User whose impression history is consulted",
				},
				"page_segments": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Segments of recently viewed pages, newest first",
				},
				"intent_segments": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Purchase-intent segments, strongest first",
				},
				"visited_sites": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Recently visited sites checked against anti-targeting",
				},
				"size": map[string]interface{}{
					"type":        "string",
					"description": "Ad unit size such as 300x250 (optional, any size when empty)",
				},
				"country": map[string]interface{}{
					"type":        "string",
					"description": "ISO country code of the session (optional)",
				},
				"subdivision": map[string]interface{}{
					"type":        "string",
					"description": "ISO 3166-2 subdivision such as US-CA (optional)",
				},
			},
			"required": []string{"user_id"},
		},
	}, s.ExplainEligibility)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_catalog_segments",
		Description: "List the segments in the loaded creative catalog with creative counts",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}, s.ListCatalogSegments)
	return server
}

func main() {
	logger, err := observability.InitLoggerWithService("adengine-mcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	ctx := context.Background()

	var store history.Store = history.NewMemoryStore(cfg.HistoryRetention)
	if cfg.HistoryBackend == config.HistoryBackendRedis {
		rs, err := db.InitRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rs.Close()
		store = history.NewRedisStore(rs.Client, cfg.HistoryRetention)
	}

	var loader db.CatalogLoader = db.FileLoader{Path: cfg.CatalogFile}
	if cfg.CatalogSource == config.CatalogSourcePostgres {
		pg, err := db.InitPostgres(cfg.PostgresDSN, 5, 2, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		defer pg.Close()
		loader = pg
	}

	catalog := db.NewCatalog()
	n, err := db.Reload(ctx, catalog, loader)
	if err != nil {
		logger.Fatal("Failed to load catalog", zap.Error(err))
	}
	logger.Info("Loaded catalog", zap.Int("creatives", n))

	resource := antitargeting.NewResource()
	if cfg.AntiTargeting != "" {
		if err := resource.Load(cfg.AntiTargeting); err != nil {
			logger.Warn("Anti-targeting resource not loaded", zap.Error(err))
		}
	}

	inspect := &InspectServer{
		catalog:  catalog,
		resolver: logic.NewResolver(nil, cfg.MaxSegments),
		orchestrator: eligible.NewOrchestrator(catalog, store,
			filters.SeenPolicy{Threshold: cfg.SeenThreshold, Window: cfg.SeenWindow}, nil, logger),
		resource: resource,
		logger:   logger,
	}
	server := newMCPServer(inspect)

	// Run the MCP server with logging transport for debugging
	var logBuffer bytes.Buffer
	loggingTransport := &mcp.LoggingTransport{
		Transport: &mcp.StdioTransport{},
		Writer:    &logBuffer,
	}

	logger.Info("MCP Server running via stdio")
	if err := server.Run(ctx, loggingTransport); err != nil {
		logger.Fatal("Server error", zap.Error(err), zap.String("mcp_logs", logBuffer.String()))
	}
}
