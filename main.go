package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/filbridge/filbridge/canlink"
	"github.com/filbridge/filbridge/config"
	"github.com/filbridge/filbridge/coordinator"
	"github.com/filbridge/filbridge/logging"
	"github.com/filbridge/filbridge/logrotate"
	"github.com/filbridge/filbridge/mapping"
	"github.com/filbridge/filbridge/printerlink"
	"github.com/filbridge/filbridge/spoolman"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	checkConfig := flag.Bool("check-config", false, "validate the configuration and exit")
	dryRun := flag.Bool("dry-run", false, "wire all components but never open the CAN socket or printer websocket")
	logStats := flag.Bool("log-stats", false, "print log directory statistics and exit")
	archiveLogs := flag.Bool("archive-logs", false, "gzip rolled log files and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *checkConfig {
			pterm.Error.Printf("config invalid: %v\n", err)
			os.Exit(2)
		}
		log.Fatalf("loading config: %v", err)
	}

	switch {
	case *logStats:
		runLogStats(cfg)
	case *archiveLogs:
		runArchiveLogs(cfg)
	case *checkConfig:
		runCheckConfig(cfg)
	default:
		run(cfg, *configPath, *verbose, *dryRun)
	}
}

func runLogStats(cfg *config.Config) {
	stats, err := logrotate.ReadStats(cfg.Logging.Dir)
	if err != nil {
		pterm.Error.Printf("reading log stats: %v\n", err)
		os.Exit(1)
	}
	pterm.DefaultSection.Println("Log directory stats")
	pterm.DefaultTable.WithData(pterm.TableData{
		{"active log size", fmt.Sprintf("%d bytes", stats.ActiveSizeBytes)},
		{"rolled files", fmt.Sprintf("%d", stats.RolledFiles)},
		{"rolled size", fmt.Sprintf("%d bytes", stats.RolledSizeBytes)},
		{"archived files", fmt.Sprintf("%d", stats.ArchivedFiles)},
	}).Render()
}

func runArchiveLogs(cfg *config.Config) {
	count, err := logrotate.ArchiveRolled(cfg.Logging.Dir)
	if err != nil {
		pterm.Error.Printf("archiving logs: %v\n", err)
		os.Exit(1)
	}
	pterm.Success.Printf("archived %d log file(s)\n", count)
}

// runCheckConfig validates the loaded configuration and probes whether the
// configured CAN interface can actually be opened, giving --check-config a
// real pre-flight signal instead of just a YAML lint. Exits 0 on success, 2
// on a validation or pre-flight failure.
func runCheckConfig(cfg *config.Config) {
	pterm.DefaultSection.Println("filbridge configuration check")
	pterm.DefaultTable.WithData(pterm.TableData{
		{"CAN interface", cfg.CAN.Interface},
		{"Klipper URL", cfg.Klipper.URL},
		{"extruders", fmt.Sprintf("%d", cfg.Extruders.Count)},
		{"runout enabled", fmt.Sprintf("%t", cfg.Runout.Enabled)},
		{"RFID enabled", fmt.Sprintf("%t", cfg.RFID.Enabled)},
		{"spoolman enabled", fmt.Sprintf("%t", cfg.Spoolman.Enabled)},
	}).Render()

	if err := cfg.Validate(); err != nil {
		pterm.Error.Printf("config invalid: %v\n", err)
		os.Exit(2)
	}

	if err := canlink.CheckInterface(cfg.CAN.Interface); err != nil {
		pterm.Warning.Printf("CAN interface check failed: %v\n", err)
		os.Exit(2)
	}

	pterm.Success.Println("configuration OK")
}

func run(cfg *config.Config, configPath string, verbose, dryRun bool) {
	logWriter, err := logrotate.New(cfg.Logging.Dir, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays)
	if err != nil {
		log.Fatalf("initializing log writer: %v", err)
	}
	defer logWriter.Close()

	rootLog := logging.New("filbridge", logWriter)
	rootLog.SetVerbose(verbose)
	rootLog.Info("starting, can_interface=%s dry_run=%t", cfg.CAN.Interface, dryRun)

	canLog := logging.New("canlink", logWriter)
	canLog.SetVerbose(verbose)
	printerLog := logging.New("printerlink", logWriter)
	printerLog.SetVerbose(verbose)
	coordLog := logging.New("coordinator", logWriter)
	coordLog.SetVerbose(verbose)
	spoolLog := logging.New("spoolman", logWriter)
	spoolLog.SetVerbose(verbose)

	canLink := canlink.New(cfg.CAN.Interface, cfg.CAN.Bitrate, canLog.StdLogger())

	sensorNames := make([]string, len(cfg.Runout.Sensors))
	for i, s := range cfg.Runout.Sensors {
		sensorNames[i] = s.Name
	}
	printerLink := printerlink.New(cfg.Klipper.URL, sensorNames, cfg.Klipper.UpdateInterval, printerLog.StdLogger())

	persister := config.MappingPersister{Path: configPath}
	mapStore := mapping.New(mapping.Pair{Left: byte(cfg.Extruders.Mapping[0]), Right: byte(cfg.Extruders.Mapping[1])}, persister)

	var spoolClient *spoolman.Client
	if cfg.Spoolman.Enabled {
		spoolClient = spoolman.New(cfg.Spoolman.URL, cfg.Spoolman.RetryCount, cfg.Spoolman.RetryInterval, spoolLog.StdLogger())
	}

	coord := coordinator.New(cfg, canLink, printerLink, mapStore, spoolClient, coordLog.StdLogger())

	if err := coord.Start(context.Background(), dryRun); err != nil {
		log.Fatalf("starting coordinator: %v", err)
	}
	rootLog.Info("all components wired, running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	rootLog.Info("received signal %v, shutting down", sig)

	coord.Stop()
	os.Exit(0)
}
