// Package ingest imports warehouse and resource inventory from the XLSX
// workbooks relief agencies distribute at the start of an operation.
package ingest

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/store"
)

const (
	warehouseSheet = "warehouses"
	resourceSheet  = "resources"
)

// Stats summarizes one import.
type Stats struct {
	Warehouses int `json:"warehouses"`
	Resources  int `json:"resources"`
	Skipped    int `json:"skipped"`
}

// Importer loads inventory workbooks into the store.
type Importer struct {
	store store.Store
	log   *zap.Logger
}

// NewImporter builds an Importer backed by st.
func NewImporter(st store.Store) *Importer {
	return &Importer{store: st, log: zap.L().Named("ingest")}
}

// ImportWorkbook reads the warehouses and resources sheets from the
// workbook at path and upserts every valid row. Rows that fail to parse
// are skipped and counted, never fatal: agency workbooks are hand-edited.
func (im *Importer) ImportWorkbook(ctx context.Context, path string) (*Stats, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open workbook %s", path)
	}

	stats := &Stats{}
	if err := im.importWarehouses(ctx, f, stats); err != nil {
		return nil, err
	}
	if err := im.importResources(ctx, f, stats); err != nil {
		return nil, err
	}

	im.log.Info("workbook imported",
		zap.String("path", path),
		zap.Int("warehouses", stats.Warehouses),
		zap.Int("resources", stats.Resources),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// Warehouse sheet columns: id, name, latitude, longitude, capacity.
func (im *Importer) importWarehouses(ctx context.Context, f *xlsx.File, stats *Stats) error {
	sheet, ok := f.Sheet[warehouseSheet]
	if !ok {
		return eris.Errorf("ingest: sheet %q not found", warehouseSheet)
	}

	for i, row := range sheet.Rows {
		if i == 0 {
			continue
		}
		cells := rowStrings(row, 5)
		w, err := parseWarehouse(cells)
		if err != nil {
			stats.Skipped++
			im.log.Warn("skipping warehouse row", zap.Int("row", i+1), zap.Error(err))
			continue
		}
		if err := im.store.UpsertWarehouse(ctx, w); err != nil {
			return err
		}
		stats.Warehouses++
	}
	return nil
}

// Resource sheet columns: id, type, quantity, warehouse_id.
func (im *Importer) importResources(ctx context.Context, f *xlsx.File, stats *Stats) error {
	sheet, ok := f.Sheet[resourceSheet]
	if !ok {
		return eris.Errorf("ingest: sheet %q not found", resourceSheet)
	}

	for i, row := range sheet.Rows {
		if i == 0 {
			continue
		}
		cells := rowStrings(row, 4)
		r, err := parseResource(cells)
		if err != nil {
			stats.Skipped++
			im.log.Warn("skipping resource row", zap.Int("row", i+1), zap.Error(err))
			continue
		}
		if err := im.store.UpsertResource(ctx, r); err != nil {
			return err
		}
		stats.Resources++
	}
	return nil
}

func parseWarehouse(cells []string) (*model.Warehouse, error) {
	if cells[0] == "" || cells[1] == "" {
		return nil, eris.New("missing id or name")
	}
	lat, err := strconv.ParseFloat(cells[2], 64)
	if err != nil {
		return nil, eris.Wrap(err, "parse latitude")
	}
	lon, err := strconv.ParseFloat(cells[3], 64)
	if err != nil {
		return nil, eris.Wrap(err, "parse longitude")
	}
	capacity, err := strconv.Atoi(cells[4])
	if err != nil || capacity < 0 {
		return nil, eris.New("invalid capacity")
	}
	return &model.Warehouse{
		ID:        cells[0],
		Name:      cells[1],
		Latitude:  lat,
		Longitude: lon,
		Capacity:  capacity,
	}, nil
}

func parseResource(cells []string) (*model.Resource, error) {
	if cells[0] == "" || cells[3] == "" {
		return nil, eris.New("missing id or warehouse_id")
	}
	rt := model.ResourceType(strings.ToLower(strings.TrimSpace(cells[1])))
	if !validType(rt) {
		return nil, eris.Errorf("unknown resource type %q", cells[1])
	}
	quantity, err := strconv.Atoi(cells[2])
	if err != nil || quantity < 0 {
		return nil, eris.New("invalid quantity")
	}
	return &model.Resource{
		ID:          cells[0],
		Type:        rt,
		Quantity:    quantity,
		WarehouseID: cells[3],
	}, nil
}

func validType(rt model.ResourceType) bool {
	for _, t := range model.DefaultResourceOrder {
		if t == rt {
			return true
		}
	}
	return false
}

// rowStrings extracts n cell values, padding short rows with empty
// strings.
func rowStrings(row *xlsx.Row, n int) []string {
	cells := make([]string, n)
	for j := 0; j < n && j < len(row.Cells); j++ {
		cells[j] = strings.TrimSpace(row.Cells[j].String())
	}
	return cells
}
