package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/template"
	"time"

	"github.com/user/agentmem/internal/compaction"
	"github.com/user/agentmem/internal/config"
	agentctx "github.com/user/agentmem/internal/context"
	"github.com/user/agentmem/internal/handoff"
	"github.com/user/agentmem/internal/llmbridge"
	"github.com/user/agentmem/internal/memorygen"
	"github.com/user/agentmem/internal/retrieval"
	"github.com/user/agentmem/internal/sessionlog"
	"github.com/user/agentmem/internal/state"
	"github.com/user/agentmem/internal/types"
	"github.com/user/agentmem/pkg/llm"
	"github.com/user/agentmem/pkg/llm/openai"
)

// app holds the services shared by the daemon and the offline commands.
type app struct {
	cfg        *config.Config
	db         *state.DB
	log        *sessionlog.Log
	retriever  *retrieval.Retriever
	pipeline   *memorygen.Pipeline
	compactor  *compaction.Engine
	handoff    *handoff.Protocol
	builder    *agentctx.Builder
	background *agentctx.FileBackground
	prompt     *template.Template
	tokens     *agentctx.TiktokenCounter
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := state.Open(ctx, state.Options{
		Path:          cfg.DatabasePath(),
		MaxOpenConns:  cfg.Database.MaxOpenConns,
		MaxIdleConns:  cfg.Database.MaxIdleConns,
		BusyTimeoutMS: cfg.Database.BusyTimeoutMS,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, log: sessionlog.New(db, nil)}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	var provider llm.Provider
	if cfg.LLMEnabled() {
		provider = openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})
	}

	var summarizer types.Summarizer = compaction.ExtractiveSummarizer{}
	if provider != nil && cfg.LLM.Summarize {
		summarizer = llmbridge.NewSummarizer(provider)
	}
	compactor, err := compaction.New(cfg.Compaction, summarizer, nil)
	if err != nil {
		return err
	}
	a.compactor = compactor

	a.retriever, err = retrieval.New(a.db, cfg.Retrieval)
	if err != nil {
		return err
	}

	var genOpts []memorygen.Option
	if provider != nil && cfg.LLM.Extract {
		genOpts = append(genOpts, memorygen.WithExtractor(llmbridge.NewExtractor(provider)))
	}
	a.pipeline, err = memorygen.New(a.db, cfg.MemoryGen, genOpts...)
	if err != nil {
		return err
	}

	table := handoff.DefaultTable()
	if cfg.Handoff.TransitionsPath != "" {
		table, err = handoff.LoadTable(cfg.Handoff.TransitionsPath)
		if err != nil {
			return err
		}
	}
	a.handoff = handoff.New(a.log, table, nil)

	builderOpts := []agentctx.Option{}
	if cfg.Context.Tokenizer == "chars" {
		builderOpts = append(builderOpts, agentctx.WithTokenCounter(agentctx.CharCounter{CharsPerToken: cfg.Compaction.CharsPerToken}))
	} else {
		counter, err := agentctx.NewTiktokenCounter(cfg.LLM.Model, cfg.Context.TokenCacheSize)
		if err != nil {
			slog.Warn("tiktoken unavailable, counting characters", "error", err)
			builderOpts = append(builderOpts, agentctx.WithTokenCounter(agentctx.CharCounter{CharsPerToken: cfg.Compaction.CharsPerToken}))
		} else {
			a.tokens = counter
			builderOpts = append(builderOpts, agentctx.WithTokenCounter(counter))
		}
	}
	if cfg.Context.BackgroundPath != "" {
		a.background = agentctx.NewFileBackground(cfg.Context.BackgroundPath)
		builderOpts = append(builderOpts, agentctx.WithBackground(a.background))
	}
	a.builder = agentctx.New(a.log, a.retriever, builderOpts...)

	if cfg.Context.PromptPath != "" {
		data, err := os.ReadFile(cfg.Context.PromptPath)
		if err != nil {
			return fmt.Errorf("read prompt template: %w", err)
		}
		a.prompt, err = agentctx.ParsePrompt(string(data))
		if err != nil {
			return err
		}
	}
	return nil
}

// limits converts the context section into builder limits.
func (a *app) limits() agentctx.Limits {
	c := a.cfg.Context
	return agentctx.Limits{
		MaxHistoryTurns:  c.MaxHistoryTurns,
		MaxHistoryTokens: c.MaxHistoryTokens,
		MemoryLimit:      c.MemoryLimit,
		ImportanceLimit:  c.ImportanceLimit,
		StepTimeout:      time.Duration(c.StepTimeoutMS) * time.Millisecond,
	}
}

func (a *app) Close() {
	if a.tokens != nil {
		a.tokens.Close()
	}
	if err := a.db.Close(); err != nil {
		slog.Error("close database", "error", err)
	}
}
