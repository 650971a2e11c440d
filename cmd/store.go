package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/predict"
	"github.com/reliefops/relief-engine/internal/recommend"
	"github.com/reliefops/relief-engine/internal/region"
	"github.com/reliefops/relief-engine/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initMatcher() (*recommend.Matcher, error) {
	if cfg.Recommend.RulesPath == "" {
		return recommend.NewMatcher(recommend.DefaultRules()), nil
	}
	rules, err := recommend.LoadRules(cfg.Recommend.RulesPath)
	if err != nil {
		return nil, err
	}
	return recommend.NewMatcher(rules), nil
}

// initRegions builds the resolver the predictive cycle uses to map
// requests onto demand regions. Without a shapefile the normalized
// location text is the region key, matching what the feed reports.
func initRegions() (predict.RegionResolver, error) {
	if cfg.Regions.ShapefilePath == "" {
		return predict.RegionFunc(func(req *model.RescueRequest) string {
			if name := region.NormalizeLocation(req.Location); name != "" {
				return name
			}
			return region.FallbackRegion
		}), nil
	}
	regions, err := region.LoadShapefile(cfg.Regions.ShapefilePath, cfg.Regions.NameField)
	if err != nil {
		return nil, err
	}
	resolver := region.NewResolver(regions)
	return predict.RegionFunc(resolver.Region), nil
}
