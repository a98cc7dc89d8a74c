package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadShippedSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "marketd.json"))
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("server address: got %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Notify.Driver != "memory" {
		t.Fatalf("unexpected drivers: %q %q", cfg.Storage.Driver, cfg.Notify.Driver)
	}
	if cfg.Web3.DefaultChain != "local" {
		t.Fatalf("default chain: got %q", cfg.Web3.DefaultChain)
	}

	// 相对路径应当以配置文件所在目录为基准解析，且指向实际存在的文件。
	for name, path := range map[string]string{
		"chain_config": cfg.Web3.ChainConfig,
		"names_file":   cfg.Identity.NamesFile,
		"registry":     cfg.Registry.File,
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s resolved to missing file %q: %v", name, path, err)
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketd.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("default address: got %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Notify.Driver != "memory" {
		t.Fatalf("default drivers: %q %q", cfg.Storage.Driver, cfg.Notify.Driver)
	}
	if cfg.Market.FeeRateBps != 500 {
		t.Fatalf("default fee rate: %d", cfg.Market.FeeRateBps)
	}
	if cfg.Succession.GracePeriodSeconds != 86400 {
		t.Fatalf("default grace period: %d", cfg.Succession.GracePeriodSeconds)
	}
	if cfg.Registry.Source != "static" || cfg.Registry.MaxResults != 20 {
		t.Fatalf("default registry: %q %d", cfg.Registry.Source, cfg.Registry.MaxResults)
	}
	if cfg.Auth.AccessTTLSeconds != 3600 {
		t.Fatalf("default access ttl: %d", cfg.Auth.AccessTTLSeconds)
	}
}

func TestRelativePathsResolveAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketd.json")
	body := `{"web3":{"chain_config":"chains.yaml"},"identity":{"names_file":"names.yaml"},"registry":{"file":"agents.json"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want := filepath.Join(dir, "chains.yaml"); cfg.Web3.ChainConfig != want {
		t.Fatalf("chain config: got %q want %q", cfg.Web3.ChainConfig, want)
	}
	if want := filepath.Join(dir, "names.yaml"); cfg.Identity.NamesFile != want {
		t.Fatalf("names file: got %q want %q", cfg.Identity.NamesFile, want)
	}
	if want := filepath.Join(dir, "agents.json"); cfg.Registry.File != want {
		t.Fatalf("registry file: got %q want %q", cfg.Registry.File, want)
	}

	abs := filepath.Join(dir, "elsewhere.yaml")
	body = `{"web3":{"chain_config":"` + abs + `"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Web3.ChainConfig != abs {
		t.Fatalf("absolute path was rewritten: %q", cfg.Web3.ChainConfig)
	}
}
