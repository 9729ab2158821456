package cli

import (
	"os"
	"path/filepath"
	"testing"

	realmcore "github.com/calvinalkan/realmcore"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfig_RequiresPathFromSomewhere(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if _, err := LoadConfig(dir, "", "", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLoadConfig_PathOverrideWins(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"path": "from-file.db"}`)

	cfg, err := LoadConfig(dir, "", "from-cli.db", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Path != "from-cli.db" {
		t.Fatalf("Path = %q, want from-cli.db", cfg.Path)
	}
}

func TestLoadConfig_ReadsProjectConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"path": "my.db", "durability": "unsafe"}`)

	cfg, err := LoadConfig(dir, "", "", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Path != "my.db" {
		t.Fatalf("Path = %q, want my.db", cfg.Path)
	}

	if cfg.Durability != "unsafe" {
		t.Fatalf("Durability = %q, want unsafe", cfg.Durability)
	}
}

func TestLoadConfig_ParsesJSONCComments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ConfigFileName), `{
		// inline comment, not valid plain JSON
		"path": "commented.db",
	}`)

	cfg, err := LoadConfig(dir, "", "", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Path != "commented.db" {
		t.Fatalf("Path = %q, want commented.db", cfg.Path)
	}
}

func TestLoadConfig_ExplicitConfigFlagMustExist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if _, err := LoadConfig(dir, filepath.Join(dir, "missing.json"), "some.db", nil); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfig_ExplicitConfigFlagRelativeToWorkDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "custom.json"), `{"path": "custom.db"}`)

	cfg, err := LoadConfig(dir, "custom.json", "", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Path != "custom.db" {
		t.Fatalf("Path = %q, want custom.db", cfg.Path)
	}
}

func TestLoadConfig_GlobalConfigIsOverriddenByProjectConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := t.TempDir()

	if err := os.MkdirAll(filepath.Join(xdg, "realmctl"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	writeFile(t, filepath.Join(xdg, "realmctl", "config.json"), `{"path": "global.db", "durability": "mem_only"}`)
	writeFile(t, filepath.Join(dir, ConfigFileName), `{"path": "project.db"}`)

	env := map[string]string{"XDG_CONFIG_HOME": xdg}

	cfg, err := LoadConfig(dir, "", "", env)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Path != "project.db" {
		t.Fatalf("Path = %q, want project.db (project overrides global)", cfg.Path)
	}

	if cfg.Durability != "mem_only" {
		t.Fatalf("Durability = %q, want mem_only (inherited from global)", cfg.Durability)
	}
}

func TestParseDurability(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want realmcore.Durability
	}{
		{"", realmcore.Full},
		{"full", realmcore.Full},
		{"unsafe", realmcore.Unsafe},
		{"mem_only", realmcore.MemOnly},
		{"memonly", realmcore.MemOnly},
	}

	for _, c := range cases {
		got, err := ParseDurability(c.name)
		if err != nil {
			t.Fatalf("ParseDurability(%q): %v", c.name, err)
		}

		if got != c.want {
			t.Errorf("ParseDurability(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestParseDurability_RejectsUnknownName(t *testing.T) {
	t.Parallel()

	if _, err := ParseDurability("bogus"); err == nil {
		t.Fatal("expected error for unknown durability name")
	}
}
