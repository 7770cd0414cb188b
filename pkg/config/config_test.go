package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Kind != KindOffline {
		t.Fatalf("kind = %q", cfg.Provider.Kind)
	}
	if cfg.DataDir != "" {
		t.Fatalf("data dir = %q", cfg.DataDir)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
data_dir: /var/lib/rune
tts: true
provider:
  kind: openai
  api_key: sk-test
  model: gpt-4o-mini
episode_threshold: 10
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Kind != KindOpenAI || cfg.Provider.Model != "gpt-4o-mini" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if !cfg.TTS || cfg.DataDir != "/var/lib/rune" || cfg.EpisodeThreshold != 10 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RUNE_PROVIDER", "gemini")
	t.Setenv("RUNE_API_KEY", "g-key")
	t.Setenv("RUNE_MODEL", "gemini-2.0-flash")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.Kind != KindGemini || cfg.Provider.APIKey != "g-key" {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("RUNE_PROVIDER", "openai")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing api key")
	}

	t.Setenv("RUNE_PROVIDER", "carrier-pigeon")
	t.Setenv("RUNE_API_KEY", "k")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for unknown provider kind")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := Default()
	cfg.TTS = true
	cfg.Provider = ProviderConfig{Kind: KindOpenAI, APIKey: "sk", Model: "m"}
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TTS || got.Provider.Model != "m" {
		t.Fatalf("got = %+v", got)
	}
}
