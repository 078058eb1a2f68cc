package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/caselens/citeminer/internal/cluster"
	"github.com/caselens/citeminer/internal/extract"
	"github.com/caselens/citeminer/internal/learning"
	"github.com/caselens/citeminer/internal/pipeline"
	"github.com/caselens/citeminer/internal/store"
	"github.com/caselens/citeminer/internal/textsource"
	"github.com/caselens/citeminer/internal/verify"
	"github.com/caselens/citeminer/pkg/courtlistener"
)

// pipelineEnv holds the wired components shared by the serve and analyze
// commands.
type pipelineEnv struct {
	Store      store.Store
	LearnStore *learning.Store
	Resolver   *textsource.Resolver
	Orch       *verify.Orchestrator // nil when verification is disabled
	Pipeline   *pipeline.Pipeline
}

func (e *pipelineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "citeminer.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initLearning() (*learning.Store, error) {
	return learning.Open(cfg.Learning.Dir, learning.Defaults{
		Threshold:          cfg.Extract.DefaultThreshold,
		RetentionFloor:     cfg.Learning.RetentionFloor,
		MaxContextExamples: cfg.Learning.MaxContextExamples,
		MaxSamples:         cfg.Learning.HoldoutSamples,
	})
}

func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	learnStore, err := initLearning()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	extractor, err := extract.New(extract.Config{
		AdjacentWindow:     cfg.Extract.AdjacentWindow,
		DefaultThreshold:   cfg.Extract.DefaultThreshold,
		MinYear:            cfg.Extract.MinYear,
		MaxYear:            cfg.Extract.MaxYear,
		LearnedPatternCost: cfg.Extract.LearnedPatternCost,
	}, learnStore)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	resolver := textsource.NewResolver(textsource.Config{
		MaxTextBytes:   cfg.Input.MaxTextBytes,
		AllowedSchemes: cfg.Input.AllowedSchemes,
		FetchTimeout:   time.Duration(cfg.Input.FetchTimeoutSec) * time.Second,
	}, nil)

	var orch *verify.Orchestrator
	if cfg.Verify.Enabled {
		client := courtlistener.NewClient(cfg.Verify.APIKey, courtlistener.WithBaseURL(cfg.Verify.BaseURL))
		orch = verify.NewOrchestrator(verify.NewCourtListener(client), verify.Config{
			RatePerSecond:  cfg.Verify.RatePerSecond,
			MaxConcurrency: cfg.Verify.MaxConcurrency,
			MaxAttempts:    cfg.Verify.MaxAttempts,
			Timeout:        time.Duration(cfg.Verify.TimeoutSecs) * time.Second,
		})
	}

	controller := learning.NewController(learnStore, learning.Tuning{
		RetentionFloor:   cfg.Learning.RetentionFloor,
		ThresholdStep:    cfg.Learning.ThresholdStep,
		ThresholdFloor:   cfg.Learning.ThresholdFloor,
		ThresholdCeiling: cfg.Learning.ThresholdCeiling,
	})

	return &pipelineEnv{
		Store:      st,
		LearnStore: learnStore,
		Resolver:   resolver,
		Orch:       orch,
		Pipeline: pipeline.New(resolver, extractor, cluster.New(cluster.Config{
			MaxDistance:   cfg.Cluster.MaxDistance,
			MinSimilarity: cfg.Cluster.MinSimilarity,
		}), orch, controller),
	}, nil
}
