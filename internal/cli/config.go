package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"

	realmcore "github.com/calvinalkan/realmcore"
)

// Config holds realmctl's persisted configuration, the counterpart of the
// teacher's own ticket-dir/editor Config (attic_teacher_root/config.go),
// generalized to the fields a database opener needs instead.
type Config struct {
	Path                 string `json:"path"`
	Durability           string `json:"durability,omitempty"`
	FormatVersion        uint8  `json:"format_version,omitempty"` //nolint:tagliatelle
	HistoryType          int8   `json:"history_type,omitempty"`   //nolint:tagliatelle
	HistorySchemaVersion uint16 `json:"history_schema_version,omitempty"` //nolint:tagliatelle
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".realmctl.json"

var errPathEmpty = errors.New("cli: path must not be empty")

// DefaultConfig returns realmctl's baseline configuration.
func DefaultConfig() Config {
	return Config{Durability: "full"}
}

// getGlobalConfigPath mirrors the teacher's XDG-aware global config lookup
// (attic_teacher_root/config.go getGlobalConfigPath), adapted to realmctl's
// own directory name.
func getGlobalConfigPath(env map[string]string) string {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "realmctl", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "realmctl", "config.json")
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, global user config, project config (.realmctl.json or
// an explicit --config file), then CLI overrides.
func LoadConfig(workDir, configPath string, pathOverride string, env map[string]string) (Config, error) {
	cfg := DefaultConfig()

	if globalCfg, _, err := loadConfigFile(getGlobalConfigPath(env), false); err != nil {
		return Config{}, err
	} else {
		cfg = mergeConfig(cfg, globalCfg)
	}

	projectFile := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if configPath != "" {
		projectFile = configPath
		if !filepath.IsAbs(projectFile) {
			projectFile = filepath.Join(workDir, projectFile)
		}

		mustExist = true
	}

	projectCfg, loaded, err := loadConfigFile(projectFile, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = mergeConfig(cfg, projectCfg)
	}

	if pathOverride != "" {
		cfg.Path = pathOverride
	}

	if cfg.Path == "" {
		return Config{}, errPathEmpty
	}

	return cfg, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	if path == "" {
		return Config{}, false, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is caller-controlled by design
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("cli: read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("cli: parse config %s: invalid JSONC: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("cli: parse config %s: invalid JSON: %w", path, err)
	}

	return cfg, true, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Path != "" {
		base.Path = overlay.Path
	}

	if overlay.Durability != "" {
		base.Durability = overlay.Durability
	}

	if overlay.FormatVersion != 0 {
		base.FormatVersion = overlay.FormatVersion
	}

	if overlay.HistoryType != 0 {
		base.HistoryType = overlay.HistoryType
	}

	if overlay.HistorySchemaVersion != 0 {
		base.HistorySchemaVersion = overlay.HistorySchemaVersion
	}

	return base
}

// ParseDurability maps the config's string durability name to the engine's
// typed constant, the same spelling spec.md §6 uses (full/unsafe/mem_only).
func ParseDurability(name string) (realmcore.Durability, error) {
	switch strings.ToLower(name) {
	case "", "full":
		return realmcore.Full, nil
	case "unsafe":
		return realmcore.Unsafe, nil
	case "mem_only", "memonly":
		return realmcore.MemOnly, nil
	default:
		return 0, fmt.Errorf("cli: unknown durability %q", name)
	}
}

// Options builds [realmcore.Options] from the loaded config.
func (cfg Config) Options() (realmcore.Options, error) {
	durability, err := ParseDurability(cfg.Durability)
	if err != nil {
		return realmcore.Options{}, err
	}

	return realmcore.Options{
		FormatVersion:        cfg.FormatVersion,
		HistoryType:          cfg.HistoryType,
		HistorySchemaVersion: cfg.HistorySchemaVersion,
		Durability:           durability,
	}, nil
}
