package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	chart "github.com/wcharczuk/go-chart/v2"

	"manifold-etl/internal/storage"
)

// Export renders the top bettors report as CSV and/or a PNG bar chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	limit := a.Config.ResolveTopUsers(opts.Limit)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.TopUsersByBetCount(ctx, limit)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		a.Logger.Info().Msg("no bets stored; nothing to export")
		return nil
	}
	a.Logger.Info().Int("users", len(stats)).Msg("exporting top bettors")

	if opts.CSVPath != "" {
		if err := writeStatsCSV(opts.CSVPath, stats); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeStatsPNG(opts.PNGPath, stats); err != nil {
			return err
		}
	}

	return nil
}

func writeStatsCSV(path string, stats []storage.BettorStat) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"rank", "user_id", "username", "join_year", "bet_count"}); err != nil {
		return err
	}
	for i, st := range stats {
		record := []string{
			strconv.Itoa(i + 1),
			st.UserID,
			st.Username,
			strconv.Itoa(st.JoinYear),
			strconv.FormatInt(st.BetCount, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func writeStatsPNG(path string, stats []storage.BettorStat) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	bars := make([]chart.Value, len(stats))
	for i, st := range stats {
		bars[i] = chart.Value{
			Label: fmt.Sprintf("%s (%d)", st.Username, st.JoinYear),
			Value: float64(st.BetCount),
		}
	}

	graph := chart.BarChart{
		Title:    "Top bettors by stored bets",
		Width:    max(1280, 80*len(bars)),
		Height:   720,
		BarWidth: 40,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Bottom: 40},
		},
		YAxis: chart.YAxis{
			Name: "Bets",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Bars: bars,
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
