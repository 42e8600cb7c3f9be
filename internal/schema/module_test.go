package schema

import "testing"

func TestModuleStateCanTransition(t *testing.T) {
	cases := []struct {
		from, to ModuleState
		want     bool
	}{
		{ModuleUnregistered, ModuleRegistered, true},
		{ModuleRegistered, ModuleStarting, true},
		{ModuleStarting, ModuleRunning, true},
		{ModuleRunning, ModuleDegraded, true},
		{ModuleDegraded, ModuleRunning, true},
		{ModuleStopped, ModuleStarting, true},
		{ModuleRunning, ModuleStarting, false},
		{ModuleUnregistered, ModuleRunning, false},
		{ModuleStopped, ModuleRunning, false},
	}
	for _, tc := range cases {
		got := tc.from.CanTransition(tc.to)
		if got != tc.want {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestModuleStateTerminalish(t *testing.T) {
	if !ModuleFailed.Terminalish() {
		t.Error("ModuleFailed should be terminalish")
	}
	if !ModuleStopped.Terminalish() {
		t.Error("ModuleStopped should be terminalish")
	}
	if ModuleRunning.Terminalish() {
		t.Error("ModuleRunning should not be terminalish")
	}
	if ModuleDegraded.Terminalish() {
		t.Error("ModuleDegraded should not be terminalish, it can still recover")
	}
}
