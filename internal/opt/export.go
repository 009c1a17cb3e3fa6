package opt

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// WriteCSV writes one row per assignment.
func WriteCSV(w io.Writer, sol *Solution) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"run_id", "batch_id", "route_id", "quantity"}); err != nil {
		return err
	}
	for _, a := range sol.Assignments {
		if err := cw.Write([]string{sol.RunID, a.BatchID, a.RouteID, strconv.Itoa(a.Quantity)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summary renders a short plain-text report of a solution.
func Summary(sol *Solution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Optimization run %s (%s)\n", sol.RunID, sol.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Status: %s (optimal: %t)\n", sol.Status, sol.Optimal)
	fmt.Fprintf(&b, "Objective: %.4f", sol.Objective)
	if g := sol.Gap(); !math.IsNaN(g) {
		fmt.Fprintf(&b, " (gap %.2f%%)", g*100)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Assignments: %d, shipped %d of %d required units\n", len(sol.Assignments), sol.KPIs.ShippedQuantity, sol.KPIs.RequiredQuantity)
	fmt.Fprintf(&b, "Transport cost: %.2f\n", sol.KPIs.TotalCost)
	fmt.Fprintf(&b, "Spoilage risk exposure: %.2f\n", sol.KPIs.RiskExposure)
	fmt.Fprintf(&b, "On-time rate: %.1f%%\n", sol.KPIs.OnTimeRate*100)
	fmt.Fprintf(&b, "Average route utilization: %.1f%%\n", sol.KPIs.AverageUtilization*100)
	if r := sol.KPIs.Risk; r != nil {
		fmt.Fprintf(&b, "Monte Carlo (%d runs): mean OTIF %.1f%%, P(below target) %.1f%%, mean delay %.2fd, p95 delay %.2fd, risk score %.1f\n",
			r.Iterations, r.MeanOTIF*100, r.ProbBelowTarget*100, r.MeanDelayDays, r.P95DelayDays, r.RiskScore)
	}
	if len(sol.Excluded) > 0 {
		fmt.Fprintf(&b, "Excluded batches: %d\n", len(sol.Excluded))
		for _, e := range sol.Excluded {
			fmt.Fprintf(&b, "  - %s: %s\n", e.BatchID, e.Reason)
		}
	}
	if sol.Search.Fallback != "" {
		fmt.Fprintf(&b, "Fallback: %s -> %s\n", sol.Search.Strategy, sol.Search.Fallback)
	}
	return b.String()
}
