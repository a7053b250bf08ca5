package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/san-kum/morbidostat/internal/config"
	"github.com/san-kum/morbidostat/internal/experiment"
	"github.com/san-kum/morbidostat/internal/metrics"
	"github.com/san-kum/morbidostat/internal/monitor"
	"github.com/san-kum/morbidostat/internal/storage"
	"github.com/san-kum/morbidostat/internal/tui"
)

var (
	dataDir      string
	configFile   string
	preset       string
	device       string
	experimentID string
	resume       bool
	withMonitor  bool
	monitorAddr  string
	withTUI      bool
	logLevel     string
	plotHeight   int
	plotWidth    int
)

const stopTimeout = 2 * time.Minute

var title = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)

func main() {
	rootCmd := &cobra.Command{
		Use:           "morbidostat",
		Short:         "continuous culture controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default from config)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&preset, "preset", "", "use preset configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run an experiment until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runExperiment,
	}
	runCmd.Flags().StringVar(&device, "device", "simulator", "hardware backend")
	runCmd.Flags().StringVar(&experimentID, "experiment", "", "experiment id to continue")
	runCmd.Flags().BoolVar(&resume, "resume", false, "continue the latest experiment with this name")
	runCmd.Flags().BoolVar(&withMonitor, "monitor", false, "serve the HTTP control API")
	runCmd.Flags().StringVar(&monitorAddr, "addr", "", "monitor listen address (default from config)")
	runCmd.Flags().BoolVar(&withTUI, "tui", false, "show the terminal dashboard")

	statusCmd := &cobra.Command{
		Use:   "status [experiment]",
		Short: "list experiments, or the cultures of one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showStatus,
	}

	plotCmd := &cobra.Command{
		Use:   "plot [experiment] [vial]",
		Short: "plot od and dose history of a vial",
		Args:  cobra.ExactArgs(2),
		RunE:  plotVial,
	}
	plotCmd.Flags().IntVar(&plotHeight, "height", 10, "plot height")
	plotCmd.Flags().IntVar(&plotWidth, "width", 80, "plot width")

	exportCmd := &cobra.Command{
		Use:   "export [experiment] [vial] [dir]",
		Short: "export the history of a vial as json, csv and svg",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  exportVial,
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "mark experiments left active by a crash as stopped",
		Args:  cobra.NoArgs,
		RunE:  recoverExperiments,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "list available policy presets",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range config.ListPresets() {
				fmt.Printf("  %s\n", name)
			}
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "list hardware backends",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range experiment.NewRegistry().ListDevices() {
				fmt.Printf("  %s\n", name)
			}
		},
	}

	rootCmd.AddCommand(runCmd, statusCmd, plotCmd, exportCmd, recoverCmd, presetsCmd, devicesCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}

// loadConfig resolves the configuration: defaults, then preset, then config
// file, then environment, then flags.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := config.DefaultConfig()
	if preset != "" {
		cfg = config.GetPreset(preset)
		if cfg == nil {
			return nil, fmt.Errorf("unknown preset: %s (available: %v)", preset, config.ListPresets())
		}
	}
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if monitorAddr != "" {
		cfg.Monitor.Addr = monitorAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	return storage.Open(filepath.Join(cfg.Storage.DataDir, "records.db"))
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	params, err := storage.OpenParams(storage.ParamConfig{
		Path:   filepath.Join(cfg.Storage.DataDir, "params"),
		Logger: logger,
	})
	if err != nil {
		store.Close()
		return err
	}

	if n, err := experiment.Recover(ctx, store, logger); err != nil {
		logger.Warn("recovery incomplete", "error", err)
	} else if n > 0 {
		logger.Warn("recovered experiments left active", "count", n)
	}

	id := experimentID
	if id == "" && resume {
		info, err := store.LatestExperiment(ctx, cfg.Experiment.Name)
		switch {
		case err == nil:
			id = info.ID
		case errors.Is(err, storage.ErrNotFound):
			logger.Info("nothing to resume, starting a new experiment", "name", cfg.Experiment.Name)
		default:
			return err
		}
	}

	dev, err := experiment.NewRegistry().GetDevice(device, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	exp, err := experiment.New(ctx, id, cfg, experiment.Deps{
		Device:  dev,
		Store:   store,
		Params:  params,
		Metrics: metrics.NewRecorder(reg),
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	host := experiment.NewHost(logger)
	if err := host.Replace(ctx, exp); err != nil {
		return err
	}

	// An exit that bypasses the graceful path still leaves every actuator
	// off and the stores flushed.
	atexit.Register(func() {
		if exp.Status().Active() {
			hctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := host.HardStop(hctx); err != nil {
				logger.Error("hard stop on exit", "error", err)
			}
		}
		if err := params.Close(); err != nil {
			logger.Error("close param store", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	})

	var mon *monitor.Monitor
	if withMonitor {
		mon = monitor.New(host,
			monitor.WithAddr(cfg.Monitor.Addr),
			monitor.WithGatherer(reg),
			monitor.WithStopTimeout(stopTimeout),
			monitor.WithLogger(logger),
		)
		if _, err := mon.Start(); err != nil {
			return err
		}
	}

	if err := exp.Start(ctx); err != nil {
		return err
	}
	logger.Info("experiment running", "experiment", exp.ID(), "name", exp.Name(), "device", device)

	if withTUI {
		if err := tui.Run(host); err != nil {
			logger.Error("dashboard", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if exp.Status().Active() {
		if err := exp.Stop(sctx); err != nil {
			logger.Error("stop", "error", err)
		}
	}
	if mon != nil {
		if err := mon.Shutdown(sctx); err != nil {
			logger.Warn("monitor shutdown", "error", err)
		}
	}
	fmt.Printf("experiment %s %s\n", exp.ID(), exp.Status())
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := cmd.Context()

	if len(args) == 0 {
		exps, err := store.ListExperiments(ctx)
		if err != nil {
			return err
		}
		if len(exps) == 0 {
			fmt.Println("no experiments found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tUPDATED")
		for _, e := range exps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Name, e.Status, e.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	}

	info, err := store.Experiment(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(title.Render(info.Name+" "+info.ID) + "  " + info.Status)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIAL\tOD\tRATE/H\tDOSE\tGEN\tLAST DILUTION")
	for vial := 1; vial <= cfg.Experiment.Vials; vial++ {
		l, err := store.Latest(ctx, info.ID, vial)
		if err != nil {
			return err
		}
		od, last := "-", "-"
		if l.HasMeasurement {
			od = strconv.FormatFloat(l.OD, 'f', 3, 64)
		}
		if l.HasDilution {
			last = l.LastDilution.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%.3f\t%.2f\t%s\n", vial, od, l.GrowthRate, l.Concentration, l.Generation, last)
	}
	return w.Flush()
}

func parseVial(s string) (int, error) {
	vial, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid vial %q: %w", s, err)
	}
	return vial, nil
}

func plotVial(cmd *cobra.Command, args []string) error {
	vial, err := parseVial(args[1])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	data, err := store.LoadExport(cmd.Context(), args[0], vial)
	if err != nil {
		return err
	}
	if len(data.OD) == 0 {
		return fmt.Errorf("no data to plot")
	}

	fmt.Printf("experiment: %s\n", data.Experiment)
	fmt.Printf("vial: %d\n", data.Vial)
	fmt.Printf("samples: %d  dilutions: %d\n\n", len(data.OD), len(data.Doses))

	series := []struct {
		caption string
		records []storage.Record
	}{
		{"optical density", data.OD},
		{"growth rate (1/h)", data.GrowthRate},
		{"drug concentration", data.Doses},
	}
	for _, s := range series {
		if len(s.records) < 2 {
			continue
		}
		values := make([]float64, len(s.records))
		for i, r := range s.records {
			values[i] = r.Value
		}
		graph := asciigraph.Plot(values,
			asciigraph.Height(plotHeight),
			asciigraph.Width(plotWidth),
			asciigraph.Caption(s.caption),
		)
		fmt.Println(graph)
		fmt.Println()
	}
	return nil
}

func exportVial(cmd *cobra.Command, args []string) error {
	vial, err := parseVial(args[1])
	if err != nil {
		return err
	}
	dir := "."
	if len(args) == 3 {
		dir = args[2]
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	paths, err := store.Export(cmd.Context(), dir, args[0], vial)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Printf("exported to %s\n", p)
	}
	return nil
}

func recoverExperiments(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := experiment.Recover(cmd.Context(), store, logger)
	if err != nil {
		return err
	}
	fmt.Printf("recovered %d experiment(s)\n", n)
	return nil
}
