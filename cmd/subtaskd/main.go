package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shengquan-ni/flink-exp/pkg/control"
	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/logstore"
	"github.com/shengquan-ni/flink-exp/pkg/mailbox"
	"github.com/shengquan-ni/flink-exp/pkg/subtask"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "subtaskd",
	Short: "subtaskd runs one stream-processing subtask's mailbox-driven execution loop",
	Long: `subtaskd hosts the execution driver of a single subtask: the task
mailbox, the deterministic-replay log, and the lifecycle state machine that
takes it from restore through running to a clean shutdown or cancellation.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"subtaskd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOutput, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{
		Level:      logging.Level(level),
		JSONOutput: jsonOutput,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the subtask until canceled or its input is exhausted",
	RunE:  runSubtask,
}

func init() {
	runCmd.Flags().String("subtask-id", "", "Identifier for this subtask, used in logs and metrics (default: a generated UUID)")
	runCmd.Flags().String("data-dir", "./data", "Directory holding the local replay log, if storage-type=local")
	runCmd.Flags().String("config-file", "", "YAML file of Configuration-table overrides, applied before CLI flags")

	// Configuration table, spec §6.
	runCmd.Flags().Bool("enable-logging", true, "Enable the deterministic-replay log")
	runCmd.Flags().String("storage-type", string(types.StorageMem), "Log storage backend: mem, local, or remote")
	runCmd.Flags().String("hdfs-log-storage", "", "Mounted directory path for remote log storage, required when storage-type=remote")
	runCmd.Flags().Bool("clear-old-log", false, "Truncate the existing replay log before starting this subtask")
	runCmd.Flags().Int("print-level", 0, "Diagnostic verbosity level; stored in the subtask config, no component reads it")
	runCmd.Flags().Duration("control-delay", 0, "Interval for the idle-mailbox keep-alive ping; 0 disables it")
	runCmd.Flags().Bool("enable-output-cache", false, "Retain emitted output bytes per checkpoint boundary for in-process replay")

	runCmd.Flags().String("control-http-addr", "", "Address for the HTTP health/ready/metrics listener; empty disables it")
	runCmd.Flags().String("control-grpc-addr", "", "Address for the gRPC health listener; empty disables it")
	runCmd.Flags().Bool("control-tls", false, "Require TLS on the gRPC health listener, using a self-signed in-memory CA")
}

func runSubtask(cmd *cobra.Command, args []string) error {
	subtaskID, _ := cmd.Flags().GetString("subtask-id")
	if subtaskID == "" {
		subtaskID = uuid.NewString()
	}
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configFile, _ := cmd.Flags().GetString("config-file")

	cfg := types.Config{StorageType: types.StorageMem}
	if configFile != "" {
		if err := loadConfigOverlay(configFile, &cfg); err != nil {
			return fmt.Errorf("loading config file %s: %w", configFile, err)
		}
	}

	// CLI flags always win over the config-file overlay (spec §9: structured
	// configuration takes precedence over ambient settings), but only for
	// flags the user actually set — an unset flag should not clobber a value
	// the overlay just supplied.
	if cmd.Flags().Changed("enable-logging") || configFile == "" {
		cfg.EnableLogging, _ = cmd.Flags().GetBool("enable-logging")
	}
	if cmd.Flags().Changed("storage-type") || configFile == "" {
		st, _ := cmd.Flags().GetString("storage-type")
		cfg.StorageType = types.StorageType(st)
	}
	if cmd.Flags().Changed("hdfs-log-storage") {
		cfg.HDFSLogStorage, _ = cmd.Flags().GetString("hdfs-log-storage")
	}
	if cmd.Flags().Changed("clear-old-log") || configFile == "" {
		cfg.ClearOldLog, _ = cmd.Flags().GetBool("clear-old-log")
	}
	if cmd.Flags().Changed("print-level") || configFile == "" {
		cfg.PrintLevel, _ = cmd.Flags().GetInt("print-level")
	}
	if cmd.Flags().Changed("control-delay") || configFile == "" {
		cfg.ControlDelay, _ = cmd.Flags().GetDuration("control-delay")
	}
	if cmd.Flags().Changed("enable-output-cache") || configFile == "" {
		cfg.EnableOutputCache, _ = cmd.Flags().GetBool("enable-output-cache")
	}

	httpAddr, _ := cmd.Flags().GetString("control-http-addr")
	grpcAddr, _ := cmd.Flags().GetString("control-grpc-addr")
	useTLS, _ := cmd.Flags().GetBool("control-tls")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	backend, err := logstore.Open(cfg, dataDir)
	if err != nil {
		return fmt.Errorf("opening log backend: %w", err)
	}

	st, err := subtask.NewSubtask(subtask.Deps{
		ID:         subtaskID,
		Config:     cfg,
		Backend:    backend,
		Operators:  []subtask.Operator{},
		Gates:      []subtask.Gate{},
		UserAction: idleDefaultAction,
	})
	if err != nil {
		return fmt.Errorf("constructing subtask: %w", err)
	}

	ctrl := control.NewServer(st)
	if httpAddr != "" {
		go func() {
			if err := ctrl.StartHTTP(httpAddr); err != nil {
				logging.Logger.Error().Err(err).Msg("control HTTP listener exited")
			}
		}()
	}
	if grpcAddr != "" {
		var ca *control.CertAuthority
		if useTLS {
			ca, err = control.NewCertAuthority()
			if err != nil {
				return fmt.Errorf("building control-surface CA: %w", err)
			}
		}
		go func() {
			if err := ctrl.StartGRPC(grpcAddr, ca); err != nil {
				logging.Logger.Error().Err(err).Msg("control gRPC listener exited")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Logger.Info().Msg("signal received, canceling subtask")
		st.Cancel()
	}()

	invokeErr := st.Invoke()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctrl.Stop(shutdownCtx)
	if err := st.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Error().Err(err).Msg("error flushing replay log on shutdown")
	}

	return invokeErr
}

// idleDefaultAction is the UserAction used when subtaskd is run standalone
// with no wired operator chain: it immediately suspends, relying entirely
// on externally triggered mails (checkpoints, control requests, signals)
// to drive the subtask until canceled.
func idleDefaultAction(ctl mailbox.Controller) error {
	ctl.SuspendDefaultAction(0)
	return nil
}

// configOverlay mirrors types.Config's fields for YAML decoding; kept
// separate so types.Config itself carries no serialization tags.
type configOverlay struct {
	EnableLogging     *bool   `yaml:"enable_logging"`
	StorageType       *string `yaml:"storage_type"`
	HDFSLogStorage    *string `yaml:"hdfs_log_storage"`
	ClearOldLog       *bool   `yaml:"clear_old_log"`
	PrintLevel        *int    `yaml:"print_level"`
	ControlDelay      *string `yaml:"control_delay"`
	EnableOutputCache *bool   `yaml:"enable_output_cache"`
}

func loadConfigOverlay(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay configOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	if overlay.EnableLogging != nil {
		cfg.EnableLogging = *overlay.EnableLogging
	}
	if overlay.StorageType != nil {
		cfg.StorageType = types.StorageType(*overlay.StorageType)
	}
	if overlay.HDFSLogStorage != nil {
		cfg.HDFSLogStorage = *overlay.HDFSLogStorage
	}
	if overlay.ClearOldLog != nil {
		cfg.ClearOldLog = *overlay.ClearOldLog
	}
	if overlay.PrintLevel != nil {
		cfg.PrintLevel = *overlay.PrintLevel
	}
	if overlay.ControlDelay != nil {
		d, err := time.ParseDuration(*overlay.ControlDelay)
		if err != nil {
			return fmt.Errorf("parsing control_delay: %w", err)
		}
		cfg.ControlDelay = d
	}
	if overlay.EnableOutputCache != nil {
		cfg.EnableOutputCache = *overlay.EnableOutputCache
	}
	return nil
}
