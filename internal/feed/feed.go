// Package feed ingests regional demand snapshots from the external
// demand feed and loads them into the store for the predictive cycle.
package feed

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/model"
)

// record is the wire shape of one demand snapshot row.
type record struct {
	Region          string  `json:"region"`
	ResourceType    string  `json:"resource_type"`
	BucketStart     string  `json:"bucket_start"`
	PendingCount    int     `json:"pending_count"`
	FulfilledCount  int     `json:"fulfilled_count"`
	InventoryOnHand int     `json:"inventory_on_hand"`
	WeatherStress   float64 `json:"weather_stress"`
	AccessRisk      float64 `json:"access_risk"`
}

var knownTypes = func() map[model.ResourceType]bool {
	m := make(map[model.ResourceType]bool, len(model.DefaultResourceOrder))
	for _, t := range model.DefaultResourceOrder {
		m[t] = true
	}
	return m
}()

// Parse decodes a feed payload into demand snapshots. Malformed rows and
// unknown resource types are skipped, not fatal; one bad region must not
// block the rest of the feed.
func Parse(r io.Reader, collectedAt time.Time) ([]model.DemandFeatureSnapshot, error) {
	var records []record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, eris.Wrap(err, "feed: decode payload")
	}

	snaps := make([]model.DemandFeatureSnapshot, 0, len(records))
	var skipped int
	for _, rec := range records {
		snap, err := rec.toSnapshot(collectedAt)
		if err != nil {
			skipped++
			zap.L().Debug("feed: skipping row",
				zap.String("region", rec.Region),
				zap.String("resource_type", rec.ResourceType),
				zap.Error(err),
			)
			continue
		}
		snaps = append(snaps, *snap)
	}
	if skipped > 0 {
		zap.L().Warn("feed: skipped malformed rows", zap.Int("skipped", skipped))
	}
	return snaps, nil
}

func (rec record) toSnapshot(collectedAt time.Time) (*model.DemandFeatureSnapshot, error) {
	if rec.Region == "" {
		return nil, eris.New("empty region")
	}
	rt := model.ResourceType(rec.ResourceType)
	if !knownTypes[rt] {
		return nil, eris.Errorf("unknown resource type %q", rec.ResourceType)
	}
	bucket, err := time.Parse(time.RFC3339, rec.BucketStart)
	if err != nil {
		return nil, eris.Wrap(err, "parse bucket_start")
	}
	if rec.PendingCount < 0 || rec.FulfilledCount < 0 || rec.InventoryOnHand < 0 {
		return nil, eris.New("negative count")
	}
	return &model.DemandFeatureSnapshot{
		Region:          rec.Region,
		ResourceType:    rt,
		BucketStart:     bucket.UTC(),
		PendingCount:    rec.PendingCount,
		FulfilledCount:  rec.FulfilledCount,
		InventoryOnHand: rec.InventoryOnHand,
		WeatherStress:   rec.WeatherStress,
		AccessRisk:      rec.AccessRisk,
		CollectedAt:     collectedAt,
	}, nil
}
