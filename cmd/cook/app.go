package main

import (
	"context"
	"fmt"

	"github.com/seantiz/cook/internal/engine"
	"github.com/seantiz/cook/internal/recipe"
	"github.com/seantiz/cook/internal/registry"
	"github.com/seantiz/cook/internal/schema"
	"github.com/seantiz/cook/internal/tool"
)

// app holds the process-wide objects shared by all commands.
type app struct {
	registry *registry.Registry
	recipes  *recipe.Library
	manager  *engine.Manager
}

func newApp(ctx context.Context) (*app, error) {
	validator := schema.NewValidator()
	sampler := tool.NewHostSampler(ctx, logger)

	reg, err := registry.NewFromCatalog(validator, cfg.Tools, sampler, logger)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	recipes := recipe.NewLibrary(validator)
	n, err := recipes.LoadDir(cfg.RecipeDir)
	if err != nil {
		return nil, fmt.Errorf("load recipes: %w", err)
	}
	logger.Info("recipes loaded", "dir", cfg.RecipeDir, "count", n)

	mgr, err := engine.NewManager(engine.Config{
		WorkDir: cfg.WorkDir,
		LogDir:  cfg.LogDir,
		Clients: cfg.Clients,
	}, reg, recipes, validator, logger)
	if err != nil {
		return nil, err
	}
	return &app{registry: reg, recipes: recipes, manager: mgr}, nil
}
