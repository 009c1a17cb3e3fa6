// Package loader reads batches, routes and demand from CSV files.
package loader

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pharmaopt/internal/model"
	"pharmaopt/internal/opt"
)

// Dataset is everything one optimization run needs from disk.
type Dataset struct {
	Batches []opt.Batch
	Routes  []opt.Route
	Demand  []opt.Demand
}

// Default file names looked up by LoadDir.
const (
	BatchesFile = "batches.csv"
	RoutesFile  = "routes.csv"
	DemandFile  = "demand.csv"
)

// target holds the optional per-batch destination columns used by DeriveDemand.
type target struct {
	destination string
	due         time.Time
}

// LoadDir reads batches.csv and routes.csv from dir, plus demand.csv when present.
// Without a demand file, demand is derived from the batch destination columns.
func LoadDir(dir string) (Dataset, error) {
	var ds Dataset
	bf, err := os.Open(filepath.Join(dir, BatchesFile))
	if err != nil {
		return ds, err
	}
	defer bf.Close()
	batches, targets, err := parseBatches(bf)
	if err != nil {
		return ds, fmt.Errorf("%s: %w", BatchesFile, err)
	}
	ds.Batches = batches

	rf, err := os.Open(filepath.Join(dir, RoutesFile))
	if err != nil {
		return ds, err
	}
	defer rf.Close()
	if ds.Routes, err = ParseRoutes(rf); err != nil {
		return ds, fmt.Errorf("%s: %w", RoutesFile, err)
	}

	df, err := os.Open(filepath.Join(dir, DemandFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		ds.Demand = deriveDemand(batches, targets)
	case err != nil:
		return ds, err
	default:
		defer df.Close()
		if ds.Demand, err = ParseDemand(df); err != nil {
			return ds, fmt.Errorf("%s: %w", DemandFile, err)
		}
	}
	return ds, nil
}

// ParseBatches reads a batch file with header
// id,product,quantity,manufacture_date,expiry_date,origin,storage_class[,destination,due_date].
func ParseBatches(r io.Reader) ([]opt.Batch, error) {
	b, _, err := parseBatches(r)
	return b, err
}

// DeriveDemand reads a batch file and turns its destination and due_date
// columns into one demand line per destination and product.
func DeriveDemand(r io.Reader) ([]opt.Demand, error) {
	b, t, err := parseBatches(r)
	if err != nil {
		return nil, err
	}
	return deriveDemand(b, t), nil
}

func parseBatches(r io.Reader) ([]opt.Batch, []target, error) {
	rows, err := readRows(r, "id", "product", "quantity", "manufacture_date", "expiry_date", "origin")
	if err != nil {
		return nil, nil, err
	}
	var out []opt.Batch
	var targets []target
	var errs []error
	for _, row := range rows {
		b := opt.Batch{
			ID:      row.get("id"),
			Product: row.get("product"),
			Origin:  row.get("origin"),
			Storage: opt.StorageClass(row.get("storage_class")),
		}
		b.Quantity = row.int("quantity", &errs)
		b.ManufacturedAt = row.date("manufacture_date", &errs)
		b.ExpiresAt = row.date("expiry_date", &errs)
		t := target{destination: row.get("destination")}
		if row.get("due_date") != "" {
			t.due = row.date("due_date", &errs)
		}
		out = append(out, b)
		targets = append(targets, t)
	}
	return out, targets, errors.Join(errs...)
}

// ParseRoutes reads a route file with header
// id,origin,destination,capacity,duration,unit_cost[,storage_class].
// duration is in days; storage classes are separated by '|'.
func ParseRoutes(r io.Reader) ([]opt.Route, error) {
	rows, err := readRows(r, "id", "origin", "destination", "capacity", "duration", "unit_cost")
	if err != nil {
		return nil, err
	}
	var out []opt.Route
	var errs []error
	for _, row := range rows {
		rt := opt.Route{
			ID:          row.get("id"),
			Origin:      row.get("origin"),
			Destination: row.get("destination"),
		}
		rt.Capacity = row.int("capacity", &errs)
		rt.Transit = time.Duration(row.float("duration", &errs) * 24 * float64(time.Hour))
		rt.UnitCost = row.float("unit_cost", &errs)
		for _, c := range strings.Split(row.get("storage_class"), "|") {
			if c = strings.TrimSpace(c); c != "" {
				rt.StorageClasses = append(rt.StorageClasses, opt.StorageClass(c))
			}
		}
		out = append(out, rt)
	}
	return out, errors.Join(errs...)
}

// ParseDemand reads a demand file with header destination,product,quantity[,due_date,optional,priority].
func ParseDemand(r io.Reader) ([]opt.Demand, error) {
	rows, err := readRows(r, "destination", "product", "quantity")
	if err != nil {
		return nil, err
	}
	var out []opt.Demand
	var errs []error
	for _, row := range rows {
		d := opt.Demand{Destination: row.get("destination"), Product: row.get("product")}
		d.Quantity = row.int("quantity", &errs)
		if row.get("due_date") != "" {
			d.DueAt = row.date("due_date", &errs)
		}
		if v := row.get("optional"); v != "" {
			ok, perr := strconv.ParseBool(v)
			if perr != nil {
				errs = append(errs, row.invalid("optional", perr))
			}
			d.Optional = ok
		}
		d.Priority = opt.Priority(strings.ToLower(row.get("priority")))
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// deriveDemand sums batch quantities per destination and product, keeping the
// earliest due date. Batches without a destination add no demand.
func deriveDemand(batches []opt.Batch, targets []target) []opt.Demand {
	type key struct{ dest, product string }
	idx := map[key]int{}
	var out []opt.Demand
	for i, b := range batches {
		t := targets[i]
		if t.destination == "" {
			continue
		}
		k := key{t.destination, b.Product}
		j, ok := idx[k]
		if !ok {
			idx[k] = len(out)
			out = append(out, opt.Demand{Destination: t.destination, Product: b.Product, Quantity: b.Quantity, DueAt: t.due})
			continue
		}
		out[j].Quantity += b.Quantity
		if !t.due.IsZero() && (out[j].DueAt.IsZero() || t.due.Before(out[j].DueAt)) {
			out[j].DueAt = t.due
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Destination != out[b].Destination {
			return out[a].Destination < out[b].Destination
		}
		return out[a].Product < out[b].Product
	})
	return out
}

type row struct {
	line   int
	cols   map[string]int
	fields []string
}

func (r row) get(col string) string {
	if i, ok := r.cols[col]; ok && i < len(r.fields) {
		return strings.TrimSpace(r.fields[i])
	}
	return ""
}

func (r row) invalid(col string, err error) error {
	return &opt.ValidationError{Field: fmt.Sprintf("row %d: %s", r.line, col), Message: err.Error()}
}

func (r row) int(col string, errs *[]error) int {
	v, err := strconv.Atoi(r.get(col))
	if err != nil {
		*errs = append(*errs, r.invalid(col, err))
	}
	return v
}

func (r row) float(col string, errs *[]error) float64 {
	v, err := strconv.ParseFloat(r.get(col), 64)
	if err != nil {
		*errs = append(*errs, r.invalid(col, err))
	}
	return v
}

func (r row) date(col string, errs *[]error) time.Time {
	t, err := model.ParseDate(r.get(col))
	if err != nil {
		*errs = append(*errs, r.invalid(col, err))
	}
	return t
}

func readRows(r io.Reader, required ...string) ([]row, error) {
	cr := csv.NewReader(skipBOM(r))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, &opt.ValidationError{Field: "header", Message: "file is empty"}
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, req := range required {
		if _, ok := cols[req]; !ok {
			return nil, &opt.ValidationError{Field: "header", Message: "missing column " + req}
		}
	}
	var rows []row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, row{line: line, cols: cols, fields: rec})
	}
	return rows, nil
}

func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	return br
}
