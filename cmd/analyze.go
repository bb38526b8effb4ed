package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/api/schemas"
	"github.com/bitsurgeon/firmlens/internal/aggregator"
	"github.com/bitsurgeon/firmlens/internal/config"
	"github.com/bitsurgeon/firmlens/internal/observability"
	"github.com/bitsurgeon/firmlens/internal/plugins"
	"github.com/bitsurgeon/firmlens/internal/registry"
	"github.com/bitsurgeon/firmlens/internal/scheduler"
	"github.com/bitsurgeon/firmlens/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// newAnalyzeCmd creates the `analyze` command: submit one or more firmware
// images, run the plugin plan over everything unpacked out of them, and
// print the per-root roll-up.
func newAnalyzeCmd() *cobra.Command {
	var (
		pluginSet   []string
		forceSet    []string
		workers     int
		maxDepth    int
		outputFile  string
		vendor      string
		deviceName  string
		deviceClass string
		fwVersion   string
		releaseDate string
	)

	analyzeCmd := &cobra.Command{
		Use:   "analyze <firmware file>...",
		Short: "Unpack and analyze firmware images",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Flags override config file and environment values.
			if err := viper.BindPFlag("engine.worker_concurrency", cmd.Flags().Lookup("workers")); err != nil {
				return err
			}
			return viper.BindPFlag("unpacker.max_depth", cmd.Flags().Lookup("max-depth"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-resolve the config now that the flags are bound.
			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			loadedConfig = cfg

			reg := registry.New(logger)
			if err := plugins.RegisterBuiltins(reg, cfg.Unpacker, logger); err != nil {
				return fmt.Errorf("building plugin registry: %w", err)
			}

			objStore, closeStore, err := newObjectStore(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initializing object store: %w", err)
			}
			defer closeStore()

			inputs := make([]service.Submission, 0, len(args))
			meta := rootMetadata(vendor, deviceName, deviceClass, fwVersion, releaseDate)
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				inputs = append(inputs, service.Submission{Binary: data, Plugins: pluginSet, Meta: meta})
			}

			runCtx, cancel := context.WithCancel(ctx)
			sched := scheduler.New(cfg.Engine, cfg.Unpacker, logger, objStore, reg)
			sched.Start(runCtx)
			defer func() {
				cancel()
				sched.Stop()
			}()

			svc := service.New(logger, reg, sched, aggregator.New(objStore, logger))

			uids, err := svc.SubmitAll(ctx, inputs)
			if err != nil {
				return submissionError(err)
			}
			if err := svc.WaitIdle(ctx); err != nil {
				return analysisAborted(err)
			}

			if len(forceSet) > 0 {
				for _, uid := range uids {
					if err := svc.RequestUpdate(ctx, uid, forceSet); err != nil {
						return submissionError(err)
					}
				}
				if err := svc.WaitIdle(ctx); err != nil {
					return analysisAborted(err)
				}
			}

			reports := make([]*aggregator.RollUp, 0, len(uids))
			for _, uid := range uids {
				report, err := svc.Report(ctx, uid)
				if err != nil {
					return fmt.Errorf("building report for %s: %w", uid.Short(), err)
				}
				logger.Info("Analysis complete",
					zap.String("uid", uid.Short()),
					zap.Int("objects", report.ObjectCount),
					zap.Strings("tags", report.Tags))
				reports = append(reports, report)
			}

			return writeReports(cmd, outputFile, reports)
		},
	}

	analyzeCmd.Flags().StringSliceVarP(&pluginSet, "plugins", "p", nil, "plugins to run (default: all registered)")
	analyzeCmd.Flags().StringSliceVar(&forceSet, "force", nil, "plugins to re-run even when a fresh cached result exists")
	analyzeCmd.Flags().IntVarP(&workers, "workers", "w", 8, "number of analysis workers")
	analyzeCmd.Flags().IntVar(&maxDepth, "max-depth", 8, "maximum recursive unpacking depth")
	analyzeCmd.Flags().StringVarP(&outputFile, "output", "o", "", "write the JSON report to a file instead of stdout")
	analyzeCmd.Flags().StringVar(&vendor, "vendor", "", "vendor recorded on the submitted roots")
	analyzeCmd.Flags().StringVar(&deviceName, "device", "", "device name recorded on the submitted roots")
	analyzeCmd.Flags().StringVar(&deviceClass, "device-class", "", "device class recorded on the submitted roots")
	analyzeCmd.Flags().StringVar(&fwVersion, "fw-version", "", "firmware version recorded on the submitted roots")
	analyzeCmd.Flags().StringVar(&releaseDate, "release-date", "", "release date recorded on the submitted roots")
	return analyzeCmd
}

func rootMetadata(vendor, device, class, version, date string) *schemas.RootMetadata {
	if vendor == "" && device == "" && class == "" && version == "" && date == "" {
		return nil
	}
	return &schemas.RootMetadata{
		Vendor:      vendor,
		DeviceName:  device,
		DeviceClass: class,
		Version:     version,
		ReleaseDate: date,
	}
}

func writeReports(cmd *cobra.Command, outputFile string, reports []*aggregator.RollUp) error {
	var out any = reports
	if len(reports) == 1 {
		out = reports[0]
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')

	if outputFile == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, 0o644); err != nil {
		return fmt.Errorf("writing report to %s: %w", outputFile, err)
	}
	observability.GetLogger().Info("Report written", zap.String("path", outputFile))
	return nil
}

func submissionError(err error) error {
	var verr *schemas.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("rejected: %s", verr.Reason)
	}
	return err
}

func analysisAborted(err error) error {
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Warn("Analysis aborted by signal")
		return context.Canceled
	}
	return err
}
