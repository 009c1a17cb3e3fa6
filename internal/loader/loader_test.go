package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaopt/internal/opt"
)

const batchesCSV = "\xEF\xBB\xBFid,product,quantity,manufacture_date,expiry_date,origin,storage_class,destination,due_date\n" +
	"B1,VAX,100,2025-01-01,2025-03-04,PLANT,2-8C,HUB,2025-03-03\n" +
	"B2,VAX,50,2025-01-15,2025-03-11,PLANT,2-8C,HUB,2025-03-05\n" +
	"B3,INS,20,2025-01-15,2025-06-01,PLANT,ambient,,\n"

const routesCSV = `id,origin,destination,capacity,duration,unit_cost,storage_class
R1,PLANT,HUB,80,2,10,2-8C|ambient
R2,PLANT,HUB,100,1.5,15,
`

func TestParseBatches(t *testing.T) {
	got, err := ParseBatches(strings.NewReader(batchesCSV))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "B1", got[0].ID)
	assert.Equal(t, 100, got[0].Quantity)
	assert.Equal(t, opt.StorageClass("2-8C"), got[0].Storage)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), got[0].ExpiresAt)
}

func TestParseRoutes(t *testing.T) {
	got, err := ParseRoutes(strings.NewReader(routesCSV))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []opt.StorageClass{"2-8C", "ambient"}, got[0].StorageClasses)
	assert.Equal(t, 36*time.Hour, got[1].Transit)
	assert.Empty(t, got[1].StorageClasses)
}

func TestParseDemand(t *testing.T) {
	in := "destination,product,quantity,due_date,optional,priority\nHUB,VAX,130,2025-03-05,false,Critical\nCLINIC,VAX,10,,true,\n"
	got, err := ParseDemand(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].Optional)
	assert.True(t, got[1].Optional)
	assert.True(t, got[1].DueAt.IsZero())
	assert.Equal(t, opt.PriorityCritical, got[0].Priority)
	assert.Empty(t, got[1].Priority)
}

func TestDeriveDemand(t *testing.T) {
	got, err := DeriveDemand(strings.NewReader(batchesCSV))
	require.NoError(t, err)
	require.Len(t, got, 1, "batches without a destination add no demand")
	assert.Equal(t, "HUB", got[0].Destination)
	assert.Equal(t, 150, got[0].Quantity)
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), got[0].DueAt)
}

func TestRowErrorsCarryLineNumbers(t *testing.T) {
	in := "id,origin,destination,capacity,duration,unit_cost\nR1,A,B,ten,1,1\nR2,A,B,5,x,1\n"
	_, err := ParseRoutes(strings.NewReader(in))
	require.Error(t, err)
	var ve *opt.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "row 2: capacity", ve.Field)
	assert.Contains(t, err.Error(), "row 3: duration")
}

func TestMissingColumn(t *testing.T) {
	_, err := ParseDemand(strings.NewReader("destination,quantity\nHUB,1\n"))
	var ve *opt.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "product")

	_, err = ParseDemand(strings.NewReader(""))
	require.ErrorAs(t, err, &ve)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, BatchesFile), []byte(batchesCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, RoutesFile), []byte(routesCSV), 0o644))

	ds, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, ds.Batches, 3)
	assert.Len(t, ds.Routes, 2)
	require.Len(t, ds.Demand, 1)
	assert.Equal(t, 150, ds.Demand[0].Quantity)

	require.NoError(t, os.WriteFile(filepath.Join(dir, DemandFile), []byte("destination,product,quantity\nHUB,VAX,40\n"), 0o644))
	ds, err = LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, ds.Demand, 1)
	assert.Equal(t, 40, ds.Demand[0].Quantity)
}
