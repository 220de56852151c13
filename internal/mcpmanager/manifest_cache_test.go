package mcpmanager

import (
	"os"
	"path/filepath"
	"testing"
)

func TestServerConfigHashStableAcrossListOrder(t *testing.T) {
	cfg1 := ServerConfig{
		Name:          "github",
		Transport:     Transport{Kind: TransportStdio, Command: "gh-mcp"},
		EnabledTools:  []string{"a", "b", "c"},
		DisabledTools: []string{"z", "y"},
	}
	cfg2 := cfg1
	cfg2.EnabledTools = []string{"c", "a", "b"}
	cfg2.DisabledTools = []string{"y", "z"}

	if ServerConfigHash(cfg1) != ServerConfigHash(cfg2) {
		t.Error("expected hash to be independent of allow/deny list order")
	}
}

func TestServerConfigHashChangesWithTransport(t *testing.T) {
	cfg1 := ServerConfig{Name: "github", Transport: Transport{Kind: TransportStdio, Command: "gh-mcp"}}
	cfg2 := cfg1
	cfg2.Transport.Command = "gh-mcp-v2"

	if ServerConfigHash(cfg1) == ServerConfigHash(cfg2) {
		t.Error("expected hash to change when transport config changes")
	}
}

func TestServerConfigHashIgnoresStartupMode(t *testing.T) {
	eager := StartupEager
	manual := StartupManual
	cfg1 := ServerConfig{Name: "github", Transport: Transport{Kind: TransportStdio, Command: "gh-mcp"}, StartupMode: &eager}
	cfg2 := cfg1
	cfg2.StartupMode = &manual

	if ServerConfigHash(cfg1) != ServerConfigHash(cfg2) {
		t.Error("expected startup_mode to be excluded from the cache fingerprint")
	}
}

func TestManifestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache := LoadManifestCache(dir)

	cfg := ServerConfig{Name: "github", Transport: Transport{Kind: TransportStdio, Command: "gh-mcp"}}
	hash := ServerConfigHash(cfg)
	cache.Update("github", hash, []CachedTool{{Name: "search_issues", Description: "search"}})

	if _, ok := cache.Lookup("github", "wrong-hash"); ok {
		t.Error("expected lookup with mismatched hash to miss")
	}

	entry, ok := cache.Lookup("github", hash)
	if !ok {
		t.Fatal("expected lookup with matching hash to hit")
	}
	if len(entry.Tools) != 1 || entry.Tools[0].Name != "search_issues" {
		t.Errorf("unexpected cached tools: %+v", entry.Tools)
	}

	reloaded := LoadManifestCache(dir)
	if _, ok := reloaded.Lookup("github", hash); !ok {
		t.Fatal("expected reloaded cache to retain persisted entry")
	}

	path := filepath.Join(dir, "mcp", "manifest-cache.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected manifest cache file to exist at %s: %v", path, err)
	}
}

func TestManifestCacheMissingHomeIsNonFatal(t *testing.T) {
	cache := LoadManifestCache("")
	if _, ok := cache.Lookup("anything", "hash"); ok {
		t.Error("expected empty cache to miss")
	}
	cache.Persist() // must not panic with no codex home configured
}
