package cmd

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
	"github.com/Player420/OnestarStream1.0-sub001/audit"
	"github.com/Player420/OnestarStream1.0-sub001/internal/misc"
	"github.com/Player420/OnestarStream1.0-sub001/persist"
)

var (
	cfgFile    string
	storePath  string
	userID     string
	vaultSvc   keystore.Service
	cliContext *CLIContext
)

// CLIContext identifies one CLI invocation in the audit trail.
type CLIContext struct {
	OSUser    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keystore",
	Short: "A rotatable post-quantum keystore for content keys",
	Long: `A persistent secret store built around a hybrid ML-KEM-768 + X25519 keypair.
Content keys are wrapped under the hybrid public key, the private halves are
sealed under a password-derived key, and the whole keystore can be rotated,
exported and merged across devices.

Set KEYSTORE_PASSWORD to supply the vault password non-interactively.`,
	PersistentPreRunE: initializeKeystore,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if vaultSvc != nil {
			return vaultSvc.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.keystore.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to keystore storage")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "user identifier")
	rootCmd.PersistentFlags().String("device-name", "", "device label recorded in the keystore")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, s3)")
	rootCmd.PersistentFlags().String("index-path", "", "path to the content key index database")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "lock key material pages into memory")

	bindFlagOrPanic("keystore.path", "store-path")
	bindFlagOrPanic("keystore.user", "user")
	bindFlagOrPanic("keystore.device_name", "device-name")
	bindFlagOrPanic("keystore.store_type", "store-type")
	bindFlagOrPanic("keystore.index_path", "index-path")
	bindFlagOrPanic("keystore.memory_lock", "memory-lock")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("keystore.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("keystore.s3.region", "s3-region")
	bindFlagOrPanic("keystore.s3.bucket", "s3-bucket")
	bindFlagOrPanic("keystore.s3.prefix", "s3-prefix")
	bindFlagOrPanic("keystore.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("keystore.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("keystore.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".keystore")
	}

	viper.SetEnvPrefix("KEYSTORE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Missing config file is fine, defaults and env vars cover it.
	}
}

func setDefaults() {
	viper.SetDefault("keystore.path", ".keystore")
	viper.SetDefault("keystore.store_type", "filesystem")

	viper.SetDefault("keystore.s3.region", "us-east-1")
	viper.SetDefault("keystore.s3.prefix", "keystore/")
	viper.SetDefault("keystore.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeKeystore(cmd *cobra.Command, args []string) error {
	// Help-style commands run without a vault.
	switch cmd.Name() {
	case "help", "completion", "__complete", "validate-password":
		return nil
	}
	// Config inspection works before any keystore exists.
	if cmd.Name() == "config" || (cmd.HasParent() && cmd.Parent().Name() == "config") {
		return nil
	}

	storePath = viper.GetString("keystore.path")
	userID = viper.GetString("keystore.user")
	if userID == "" {
		return fmt.Errorf("user identifier is required. Use --user flag or KEYSTORE_USER environment variable")
	}

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	options := keystore.DefaultOptions()
	options.UserID = userID
	options.EnableMemoryLock = viper.GetBool("keystore.memory_lock")
	if name := viper.GetString("keystore.device_name"); name != "" {
		options.DeviceName = name
	}

	storeConfig, err := buildStoreConfig(viper.GetString("keystore.store_type"))
	if err != nil {
		return err
	}

	cliContext = &CLIContext{
		OSUser:    currentOSUser(),
		SessionID: uuid.New().String(),
		Source:    hostName(),
		StartTime: time.Now(),
	}

	vault, err := keystore.New(options, storeConfig, buildAuditConfig())
	if err != nil {
		return fmt.Errorf("failed to open keystore for user %s: %w", userID, err)
	}
	vaultSvc = vault
	return nil
}

func buildAuditConfig() *audit.Config {
	return &audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		UserID:  viper.GetString("keystore.user"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	}
}

func buildStoreConfig(storeType string) (persist.StoreConfig, error) {
	switch strings.ToLower(storeType) {
	case "filesystem", "file":
		if err := os.MkdirAll(storePath, 0o700); err != nil {
			return persist.StoreConfig{}, fmt.Errorf("failed to create keystore directory: %w", err)
		}
		return persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": storePath},
		}, nil

	case "s3":
		config := persist.StoreConfig{
			Type: persist.StoreTypeS3,
			Config: map[string]interface{}{
				"endpoint":          viper.GetString("keystore.s3.endpoint"),
				"region":            viper.GetString("keystore.s3.region"),
				"bucket":            viper.GetString("keystore.s3.bucket"),
				"key_prefix":        viper.GetString("keystore.s3.prefix"),
				"access_key_id":     viper.GetString("keystore.s3.access_key_id"),
				"secret_access_key": viper.GetString("keystore.s3.secret_access_key"),
				"use_ssl":           viper.GetBool("keystore.s3.use_ssl"),
			},
		}
		if viper.GetString("keystore.s3.bucket") == "" {
			return persist.StoreConfig{}, fmt.Errorf("missing required configuration: keystore.s3.bucket")
		}
		return config, nil

	default:
		return persist.StoreConfig{}, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, s3", storeType)
	}
}

// elapsedSince formats a duration since ts for status output.
func elapsedSince(ts time.Time) string {
	d := time.Since(ts)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// currentOSUser returns the OS account running the CLI, falling back to the
// USER environment variable in restricted environments without /etc/passwd.
func currentOSUser() string {
	current, err := user.Current()
	if err != nil {
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown-user"
	}
	return current.Username
}

func hostName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return hostname
}

// auditCmdStart records a command invocation with its sanitized flags and
// arguments. The vault stamps the keystore user; the OS account and session
// identify the invocation itself.
func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	started := time.Now()
	if vaultSvc == nil || cliContext == nil {
		return started
	}
	_ = vaultSvc.GetAudit().Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"os_user":    cliContext.OSUser,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	return started
}

func auditCmdComplete(cmd *cobra.Command, err error, started time.Time) error {
	if vaultSvc != nil && cliContext != nil {
		metadata := map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(started).Milliseconds(),
			"session_id":  cliContext.SessionID,
		}
		if err != nil {
			metadata["error"] = err.Error()
		}
		_ = vaultSvc.GetAudit().Log("command_complete", err == nil, metadata)
	}
	return err
}

// sanitizeFlags collects the flags the user changed, redacting sensitive ones.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveFlag(flag.Name) {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

// sanitizeArgs bounds positional arguments for the audit record.
func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		sanitized[i] = misc.Truncate(arg, 64)
	}
	return sanitized
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"password", "passphrase", "secret", "access-key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
