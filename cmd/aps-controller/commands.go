package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sweeney/aps-controller/internal/aps"
	"github.com/sweeney/aps-controller/internal/config"
	"github.com/sweeney/aps-controller/internal/glucose"
	"github.com/sweeney/aps-controller/internal/logging"
	"github.com/sweeney/aps-controller/internal/mqtt"
	"github.com/sweeney/aps-controller/internal/stats"
	"github.com/sweeney/aps-controller/internal/storage"
	"github.com/sweeney/aps-controller/internal/storage/sqlite"
)

func statsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print time in range and TDD averages from the state database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sqlite.NewFileStore(o.DBPath)
			if err != nil {
				return fmt.Errorf("open state database: %w", err)
			}
			defer store.Close()
			return writeStats(cmd.Context(), cmd.OutOrStdout(), store, time.Now())
		},
	}
}

func writeStats(ctx context.Context, out io.Writer, store storage.Store, now time.Time) error {
	settings, err := config.LoadSettings(ctx, store)
	if err != nil {
		return err
	}
	samples, err := glucose.NewRepository(store).Recent(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return err
	}
	tdd := stats.NewTDDTracker(store, settings, logr.Discard())
	avg, haveTDD, err := tdd.Averages(ctx)
	if err != nil {
		return err
	}
	latest, haveLatest, err := tdd.Latest(ctx)
	if err != nil {
		return err
	}
	daily, haveDaily, err := stats.NewDailyRecorder(store, settings, stats.BuildInfo{}, time.Local, logr.Discard()).Latest(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Readings (24h)\t%d\n", len(samples))
	if len(samples) > 0 {
		tir := stats.Estimate(samples)
		fmt.Fprintf(w, "Time in range\t%.1f%%\n", tir.TIR)
		fmt.Fprintf(w, "Hypo / hyper\t%.1f%% / %.1f%%\n", tir.Hypo, tir.Hyper)
		fmt.Fprintf(w, "Average glucose\t%.0f mg/dL\n", tir.AverageGlucose)
		fmt.Fprintf(w, "HbA1c (est.)\t%.1f%% (%.0f mmol/mol)\n", tir.NGSP, tir.IFCC)
	}
	if haveTDD {
		fmt.Fprintf(w, "TDD 14 day\t%.2f U\n", avg.Average14Day)
		fmt.Fprintf(w, "TDD 2 hour\t%.2f U\n", avg.Average2Hour)
		fmt.Fprintf(w, "TDD weighted\t%.2f U\n", avg.WeightedAverage)
		if haveLatest {
			fmt.Fprintf(w, "TDD latest\t%.2f U at %s\n", latest.Value, latest.Timestamp.Local().Format(time.DateTime))
		}
	} else {
		fmt.Fprintf(w, "TDD\tno data\n")
	}
	if haveDaily {
		fmt.Fprintf(w, "Last daily record\t%s\n", daily.CreatedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "HbA1c history\t%s\n", daily.HbA1c)
	}
	return w.Flush()
}

func announceCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "announce <notes>",
		Short: "Publish a remote command, e.g. bolus:0.5 or tempbasal:0.8:30",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildAnnouncement(args[0], time.Now())
			if err != nil {
				return err
			}
			logger, flush, err := logging.New(o.Verbosity)
			if err != nil {
				return err
			}
			defer flush()

			client, err := mqtt.NewRealClient(mqtt.Options{
				Broker:   o.Broker,
				ClientID: "aps-announce-" + uuid.NewString()[:8],
				Logger:   logger,
			})
			if err != nil {
				return fmt.Errorf("init mqtt: %w", err)
			}
			defer client.Close()
			if !client.IsConnected() {
				return errors.New("broker not reachable")
			}
			if err := client.Publish(mqtt.TopicAnnouncements, 1, false, payload); err != nil {
				return fmt.Errorf("publish announcement: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "announced %s\n", args[0])
			return nil
		},
	}
}

// buildAnnouncement validates notes and encodes them as an announcement.
func buildAnnouncement(notes string, now time.Time) ([]byte, error) {
	if _, err := aps.ParseAction(notes); err != nil {
		return nil, err
	}
	return json.Marshal(aps.Announcement{
		ID:        uuid.NewString(),
		Notes:     notes,
		CreatedAt: now,
	})
}
