package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/LeonardoBeccarini/village_water/internal/model/entities"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#334155"))
	deficitStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171"))
	metStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))
)

func writeOutput(w io.Writer, format string, resp *entities.OptimizeResponse) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	case "table":
		_, err := fmt.Fprintln(w, renderTable(resp))
		return err
	default:
		return fmt.Errorf("unknown output format %q (json|table)", format)
	}
}

func renderTable(resp *entities.OptimizeResponse) string {
	rows := make([][]string, 0, len(resp.PerFarmReport))
	for i, r := range resp.PerFarmReport {
		share := ""
		if i < len(resp.Allocations) {
			share = liters(resp.Allocations[i].SharePercent) + "%"
		}
		status := metStyle.Render(string(r.Status))
		if r.Status == entities.StatusDeficit {
			status = deficitStyle.Render(string(r.Status))
		}
		rows = append(rows, []string{
			r.FarmID,
			liters(r.DemandLiters),
			liters(r.AllocatedLiters),
			liters(r.DeficitLiters),
			share,
			status,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers("FARM", "DEMAND (L)", "ALLOCATED (L)", "DEFICIT (L)", "SHARE", "STATUS").
		Rows(rows...)

	summary := fmt.Sprintf("%s %s L demanded, %s L allocated, efficiency %s%%",
		headerStyle.Render("village:"),
		liters(resp.TotalDemandLiters),
		liters(resp.TotalAllocatedLiters),
		liters(resp.VillageEfficiencyScore))
	if resp.RequestID != "" {
		summary += "  (request " + resp.RequestID + ")"
	}
	return t.String() + "\n" + summary
}

func liters(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
