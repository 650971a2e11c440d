package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/store"
)

func newIngestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func writeWorkbook(t *testing.T, warehouses, resources [][]string) string {
	t.Helper()
	f := xlsx.NewFile()

	ws, err := f.AddSheet(warehouseSheet)
	require.NoError(t, err)
	addRow(ws, "id", "name", "latitude", "longitude", "capacity")
	for _, r := range warehouses {
		addRow(ws, r...)
	}

	rs, err := f.AddSheet(resourceSheet)
	require.NoError(t, err)
	addRow(rs, "id", "type", "quantity", "warehouse_id")
	for _, r := range resources {
		addRow(rs, r...)
	}

	path := filepath.Join(t.TempDir(), "inventory.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestImportWorkbook(t *testing.T) {
	path := writeWorkbook(t,
		[][]string{
			{"wh-1", "Central Depot", "14.58", "120.98", "5000"},
			{"wh-2", "North Staging", "15.10", "120.60", "2000"},
		},
		[][]string{
			{"res-1", "water", "800", "wh-1"},
			{"res-2", "Medical Kits", "120", "wh-1"},
			{"res-3", "food", "450", "wh-2"},
		},
	)

	st := newIngestStore(t)
	im := NewImporter(st)

	stats, err := im.ImportWorkbook(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Warehouses)
	assert.Equal(t, 3, stats.Resources)
	assert.Equal(t, 0, stats.Skipped)

	ws, err := st.ListWarehouses(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 2)

	res, err := st.GetResource(context.Background(), "res-2")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceMedicalKits, res.Type)
	assert.Equal(t, 120, res.Quantity)
	assert.Equal(t, "wh-1", res.WarehouseID)
}

func TestImportSkipsBadRows(t *testing.T) {
	path := writeWorkbook(t,
		[][]string{
			{"wh-1", "Central Depot", "14.58", "120.98", "5000"},
			{"", "No ID", "1.0", "1.0", "100"},
			{"wh-3", "Bad Coords", "north", "120.0", "100"},
		},
		[][]string{
			{"res-1", "water", "800", "wh-1"},
			{"res-2", "helicopters", "3", "wh-1"},
			{"res-3", "food", "-5", "wh-1"},
		},
	)

	st := newIngestStore(t)
	im := NewImporter(st)

	stats, err := im.ImportWorkbook(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Warehouses)
	assert.Equal(t, 1, stats.Resources)
	assert.Equal(t, 4, stats.Skipped)
}

func TestImportIsIdempotent(t *testing.T) {
	path := writeWorkbook(t,
		[][]string{{"wh-1", "Central Depot", "14.58", "120.98", "5000"}},
		[][]string{{"res-1", "water", "800", "wh-1"}},
	)

	st := newIngestStore(t)
	im := NewImporter(st)

	_, err := im.ImportWorkbook(context.Background(), path)
	require.NoError(t, err)
	_, err = im.ImportWorkbook(context.Background(), path)
	require.NoError(t, err)

	ws, err := st.ListWarehouses(context.Background())
	require.NoError(t, err)
	assert.Len(t, ws, 1)

	res, err := st.GetResource(context.Background(), "res-1")
	require.NoError(t, err)
	assert.Equal(t, 800, res.Quantity)
}

func TestImportMissingSheet(t *testing.T) {
	f := xlsx.NewFile()
	_, err := f.AddSheet("inventory")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	require.NoError(t, f.Save(path))

	st := newIngestStore(t)
	_, err = NewImporter(st).ImportWorkbook(context.Background(), path)
	assert.Error(t, err)
}

func TestImportMissingFile(t *testing.T) {
	st := newIngestStore(t)
	_, err := NewImporter(st).ImportWorkbook(context.Background(), filepath.Join(t.TempDir(), "nope.xlsx"))
	assert.Error(t, err)
}
