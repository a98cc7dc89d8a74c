package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	regAgent1 = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	regAgent2 = common.HexToAddress("0x00000000000000000000000000000000000000A2")
)

func TestHasCapability(t *testing.T) {
	cases := []struct {
		caps     uint64
		required uint64
		want     bool
	}{
		{7, 1, true},
		{7, 7, true},
		{7, 8, false},
		{3, 5, false},
		{0, 0, true},
		{5, 0, true},
	}
	for _, tc := range cases {
		if got := HasCapability(tc.caps, tc.required); got != tc.want {
			t.Fatalf("HasCapability(%d, %d) = %v want %v", tc.caps, tc.required, got, tc.want)
		}
	}
}

func TestStaticProviderGetAgent(t *testing.T) {
	provider := NewStaticProvider([]Profile{
		{Address: regAgent1, Capabilities: 7, Score: 98},
	}, 0)

	profile, err := provider.GetAgent(context.Background(), regAgent1)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if profile.Capabilities != 7 || profile.Score != 98 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	if _, err := provider.GetAgent(context.Background(), regAgent2); !errors.Is(err, ErrAgentUnknown) {
		t.Fatalf("expected ErrAgentUnknown, got %v", err)
	}
}

func TestStaticProviderSearch(t *testing.T) {
	provider := NewStaticProvider([]Profile{
		{Address: regAgent1, Capabilities: 7},
		{Address: regAgent2, Capabilities: 3},
	}, 10)

	matched, err := provider.SearchByCapability(context.Background(), 4)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matched) != 1 || matched[0] != regAgent1 {
		t.Fatalf("unexpected matches: %v", matched)
	}

	matched, err = provider.SearchByCapability(context.Background(), 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("expected both agents, got %v", matched)
	}
}

func TestLoadStaticProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")
	content := `[{"address":"0x00000000000000000000000000000000000000A1","capabilities":7,"score":98}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write registry file: %v", err)
	}

	provider, err := LoadStaticProvider(path, 5)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	profile, err := provider.GetAgent(context.Background(), regAgent1)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if profile.Capabilities != 7 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}
