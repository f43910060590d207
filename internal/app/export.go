package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"risk-sentinel/internal/model"
)

// Export renders recent risk history as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Metric == "" {
		opts.Metric = "var_95"
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = a.Config.Server.ChartPoints
	}

	st, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	snaps, err := st.RecentSnapshots(ctx, 4*opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Msg("no snapshots found for export")
		return nil
	}

	downsampled := downsampleSnapshots(snaps, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(snaps)).
		Int("exported", len(downsampled)).
		Str("metric", opts.Metric).
		Msg("exporting risk history")

	if opts.CSVPath != "" {
		if err := writeRiskCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRiskPNG(opts.PNGPath, downsampled, opts.Metric); err != nil {
			return err
		}
	}
	return nil
}

func downsampleSnapshots(snaps []*model.Snapshot, max int) []*model.Snapshot {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	result := make([]*model.Snapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

// writeRiskCSV emits one row per snapshot with the union of all risk keys,
// blank where a snapshot lacks a series.
func writeRiskCSV(path string, snaps []*model.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	keySet := make(map[string]struct{})
	for _, snap := range snaps {
		for k := range snap.Risk {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := append([]string{"ts"}, keys...)
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snaps {
		record := make([]string, 0, len(header))
		record = append(record, snap.Time().Format(time.RFC3339))
		for _, k := range keys {
			if v, ok := snap.Risk[k]; ok {
				record = append(record, strconv.FormatFloat(v, 'f', -1, 64))
			} else {
				record = append(record, "")
			}
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Error()
}

func writeRiskPNG(path string, snaps []*model.Snapshot, metric string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		xs []time.Time
		ys []float64
	)
	for _, snap := range snaps {
		v, ok := snap.Risk[metric]
		if !ok {
			continue
		}
		xs = append(xs, snap.Time())
		ys = append(ys, v)
	}
	if len(xs) < 2 {
		return fmt.Errorf("metric %q has fewer than two data points", metric)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: metric,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    metric,
				XValues: xs,
				YValues: ys,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

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
