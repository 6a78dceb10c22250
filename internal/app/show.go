package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"collateral-alerts/internal/storage"
)

// Show prints recent ratio samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.ListRecentSamples(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAlert\tRatio%\tThreshold%\tBlock\tFired")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%t\n",
			sample.EvaluatedAt.UTC().Format(time.RFC3339),
			sample.AlertID,
			formatRatio(sample),
			sample.ThresholdPct.StringFixed(2),
			formatBlock(sample.BlockNumber),
			sample.Fired,
		)
	}

	writer.Flush()
	return nil
}

func formatRatio(sample storage.RatioSample) string {
	if sample.Unbounded {
		return "inf"
	}
	return sample.RatioPct.StringFixed(3)
}

func formatBlock(block *int64) string {
	if block == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *block)
}
