package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	keystore "github.com/Player420/OnestarStream1.0-sub001"
	"github.com/Player420/OnestarStream1.0-sub001/contentkeys"
)

var (
	successMark = color.New(color.FgGreen).SprintFunc()
	failureMark = color.New(color.FgRed).SprintFunc()
	warnMark    = color.New(color.FgYellow).SprintFunc()
)

// passwordEnvVar lets scripts supply the vault password non-interactively.
const passwordEnvVar = "KEYSTORE_PASSWORD"

// vaultPassword resolves the current vault password: KEYSTORE_PASSWORD when
// set, otherwise an interactive prompt. Only the vault's own password comes
// from the environment; export and new-password prompts always ask.
func vaultPassword(prompt string) (string, error) {
	if password := os.Getenv(passwordEnvVar); password != "" {
		return password, nil
	}
	return promptPassword(prompt)
}

// promptPassword reads a password without echo. Falls back to a plain line
// read when stdin is not a terminal, so piped invocations still work.
func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptNewPassword prompts twice and validates strength before accepting.
func promptNewPassword(prompt string, validate func(string) keystore.PasswordValidation) (string, error) {
	password, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}

	if validate != nil {
		validation := validate(password)
		if !validation.Valid {
			for _, problem := range validation.Errors {
				fmt.Fprintf(os.Stderr, "%s %s\n", failureMark("✗"), problem)
			}
			return "", errors.New("password rejected")
		}
		if validation.Strength != "" {
			fmt.Fprintf(os.Stderr, "Password strength: %s\n", validation.Strength)
		}
	}

	confirm, err := promptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

// startSpinner shows a progress spinner while a long operation runs. The
// returned stop function clears it.
func startSpinner(message string) func() {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	_ = s.Color("cyan")
	s.Start()
	return s.Stop
}

// indexPath resolves the content key index location: explicit config first,
// then the default inside the store directory.
func indexPath() string {
	if p := viper.GetString("keystore.index_path"); p != "" {
		return p
	}
	return filepath.Join(storePath, "content_keys.db")
}

// openIndexIfPresent opens the content key index when its database file
// exists. Commands that can run without an index get nil.
func openIndexIfPresent() (*contentkeys.Index, error) {
	path := indexPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return contentkeys.Open(path)
}

// unlockForCommand resolves the vault password and unlocks. Callers rely
// on the root PersistentPostRunE closing (and thus locking) the vault.
func unlockForCommand() (*keystore.UnlockResult, error) {
	password, err := vaultPassword("Vault password: ")
	if err != nil {
		return nil, err
	}
	result, err := vaultSvc.Unlock(password)
	if err != nil {
		if errors.Is(err, keystore.ErrAuth) {
			return nil, errors.New("authentication failed")
		}
		return nil, err
	}
	return result, nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}

// configFilePath resolves where config writes land: the explicit --config
// file when given, otherwise the per-user default.
func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keystore.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0o700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"keystore.path",
		"keystore.user",
		"keystore.device_name",
		"keystore.store_type",
		"keystore.index_path",
		"keystore.memory_lock",
		"keystore.s3.endpoint",
		"keystore.s3.region",
		"keystore.s3.bucket",
		"keystore.s3.prefix",
		"keystore.s3.access_key_id",
		"keystore.s3.secret_access_key",
		"keystore.s3.use_ssl",
		"audit.enabled",
		"audit.type",
		"audit.options.file_path",
		"audit.log_level",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

// convertConfigValue maps a string flag value to the type the config key
// expects: bools and numbers stay typed, everything else stays a string.
func convertConfigValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

func configTemplate(template string) map[string]interface{} {
	switch template {
	case "full":
		return map[string]interface{}{
			"keystore": map[string]interface{}{
				"store_type":  "filesystem",
				"path":        ".keystore",
				"user":        "",
				"device_name": "",
				"index_path":  "",
				"memory_lock": false,
				"s3": map[string]interface{}{
					"endpoint": "",
					"region":   "us-east-1",
					"bucket":   "",
					"prefix":   "keystore/",
					"use_ssl":  true,
				},
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	default:
		return map[string]interface{}{
			"keystore": map[string]interface{}{
				"store_type": "filesystem",
				"path":       ".keystore",
				"user":       "",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
			},
		}
	}
}

func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("keystore.store_type")
	validStoreTypes := []string{"filesystem", "file", "s3"}
	if !containsString(validStoreTypes, strings.ToLower(storeType)) {
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	if strings.ToLower(storeType) == "s3" {
		if viper.GetString("keystore.s3.bucket") == "" {
			problems = append(problems, "S3 bucket is required when using the S3 store")
		}
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "syslog"}
		if !containsString(validAuditTypes, auditType) {
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			problems = append(problems, "audit file path is required when using file audit")
		}
	}

	return problems
}

func containsString(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// printConfigYAML prints the effective configuration in YAML format.
func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

// printConfigJSON prints the effective configuration in JSON format.
func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// printConfigTable prints the effective configuration with each value's source.
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenConfigKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		envKey := "KEYSTORE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if os.Getenv(envKey) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

// flattenConfigKeys recursively flattens nested maps into dot-notation keys.
func flattenConfigKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenConfigKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	sensitive := []string{"password", "passphrase", "secret", "access_key", "token"}
	lower := strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks credential-bearing values in place.
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}
