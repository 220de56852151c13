package mcpmanager

import "testing"

func TestToolFilterAllows(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ServerConfig
		tool     string
		expected bool
	}{
		{
			name:     "no lists allows everything",
			cfg:      ServerConfig{},
			tool:     "anything",
			expected: true,
		},
		{
			name:     "enabled list restricts to members",
			cfg:      ServerConfig{EnabledTools: []string{"search", "read"}},
			tool:     "write",
			expected: false,
		},
		{
			name:     "enabled list admits members",
			cfg:      ServerConfig{EnabledTools: []string{"search", "read"}},
			tool:     "search",
			expected: true,
		},
		{
			name:     "disabled list overrides absence of enabled list",
			cfg:      ServerConfig{DisabledTools: []string{"delete"}},
			tool:     "delete",
			expected: false,
		},
		{
			name:     "disabled wins even if also in enabled",
			cfg:      ServerConfig{EnabledTools: []string{"delete"}, DisabledTools: []string{"delete"}},
			tool:     "delete",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewToolFilter(tt.cfg)
			if got := f.Allows(tt.tool); got != tt.expected {
				t.Errorf("Allows(%q) = %v, want %v", tt.tool, got, tt.expected)
			}
		})
	}
}

func TestValidateServerName(t *testing.T) {
	valid := []string{"github", "my-server", "server_2", "ABC123"}
	for _, name := range valid {
		if !ValidateServerName(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{"", "has space", "slash/es", "emoji😀"}
	for _, name := range invalid {
		if ValidateServerName(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}

func TestEffectiveStartupMode(t *testing.T) {
	manual := StartupManual
	cfg := ServerConfig{StartupMode: &manual}
	if mode := cfg.EffectiveStartupMode(StartupEager); mode != StartupManual {
		t.Errorf("expected explicit manual mode to win, got %v", mode)
	}

	unset := ServerConfig{}
	if mode := unset.EffectiveStartupMode(StartupManual); mode != StartupManual {
		t.Errorf("expected registry default to apply, got %v", mode)
	}
	if mode := unset.EffectiveStartupMode(""); mode != StartupEager {
		t.Errorf("expected eager fallback when no default configured, got %v", mode)
	}
}

func TestEffectiveTimeouts(t *testing.T) {
	cfg := ServerConfig{}
	if got := cfg.EffectiveStartupTimeout(); got != DefaultStartupTimeout {
		t.Errorf("expected default startup timeout, got %v", got)
	}
	if got := cfg.EffectiveToolTimeout(); got != DefaultToolTimeout {
		t.Errorf("expected default tool timeout, got %v", got)
	}
}

func TestStartupCompleteEventHasAny(t *testing.T) {
	if (StartupCompleteEvent{}).HasAny() {
		t.Error("expected empty summary to report HasAny() == false")
	}
	if !(StartupCompleteEvent{Ready: []string{"a"}}).HasAny() {
		t.Error("expected non-empty summary to report HasAny() == true")
	}
}
