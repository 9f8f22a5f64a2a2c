// AgroSmart Irrigation Node
// Main entry point for the on-device runtime
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agrosmart/irrigation-node/internal/engine"
	"github.com/agrosmart/irrigation-node/internal/hw"
)

// Config represents the configuration file structure
type Config struct {
	Device struct {
		ID              string `yaml:"id"`
		FirmwareVersion string `yaml:"firmware_version"`
	} `yaml:"device"`

	Broker struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"broker"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		BacklogPath  string `yaml:"backlog_path"`
		AuditLogPath string `yaml:"audit_log_path"`
	} `yaml:"storage"`

	Hardware struct {
		Mode string `yaml:"mode"` // "sim" for now; real drivers plug in here
		Seed int64  `yaml:"seed"`
	} `yaml:"hardware"`

	Timing struct {
		SamplingIntervalS int `yaml:"sampling_interval_s"`
		ControlIntervalMS int `yaml:"control_interval_ms"`
	} `yaml:"timing"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "agrosmart-node",
		Short: "AgroSmart Irrigation Node",
		Long:  "On-device runtime for an AgroSmart irrigation node. Samples sensors, ships telemetry, and actuates the valve on remote command.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node runtime",
		RunE:  runNode,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("AgroSmart Irrigation Node v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agrosmart/node.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}

	// Build engine config
	engineCfg := engine.DefaultConfig()
	engineCfg.DeviceID = cfg.Device.ID
	engineCfg.BrokerURL = cfg.Broker.URL
	engineCfg.APIKey = cfg.Broker.APIKey
	if cfg.Device.FirmwareVersion != "" {
		engineCfg.FirmwareVersion = cfg.Device.FirmwareVersion
	}
	if cfg.Storage.DatabasePath != "" {
		engineCfg.DatabasePath = cfg.Storage.DatabasePath
	}
	if cfg.Storage.BacklogPath != "" {
		engineCfg.BacklogPath = cfg.Storage.BacklogPath
	}
	if cfg.Storage.AuditLogPath != "" {
		engineCfg.AuditLogPath = cfg.Storage.AuditLogPath
	}
	if cfg.Timing.SamplingIntervalS > 0 {
		engineCfg.SamplingInterval = time.Duration(cfg.Timing.SamplingIntervalS) * time.Second
	}
	if cfg.Timing.ControlIntervalMS > 0 {
		engineCfg.ControlInterval = time.Duration(cfg.Timing.ControlIntervalMS) * time.Millisecond
	}

	// Bind hardware
	mode := cfg.Hardware.Mode
	if mode == "" {
		mode = "sim"
	}
	if mode != "sim" {
		return fmt.Errorf("unknown hardware mode: %s", mode)
	}
	seed := cfg.Hardware.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	bus := hw.NewSimBus(seed)
	out := hw.NewSimOutput()

	// Create engine
	eng, err := engine.New(engineCfg, bus, out)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting AgroSmart Irrigation Node %s", cfg.Device.ID)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Wait for shutdown signal
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
