package schema

import "time"

// ModuleState is a node in the module lifecycle state machine tracked by the
// registry and recovery supervisor.
type ModuleState string

const (
	ModuleUnregistered ModuleState = "unregistered"
	ModuleRegistered   ModuleState = "registered"
	ModuleStarting     ModuleState = "starting"
	ModuleRunning      ModuleState = "running"
	ModuleDegraded     ModuleState = "degraded"
	ModuleFailed       ModuleState = "failed"
	ModuleStopping     ModuleState = "stopping"
	ModuleStopped      ModuleState = "stopped"
)

// validTransitions enumerates the allowed edges of the module lifecycle
// state machine. Any transition not listed here is rejected.
var validTransitions = map[ModuleState][]ModuleState{
	ModuleUnregistered: {ModuleRegistered},
	ModuleRegistered:   {ModuleStarting},
	ModuleStarting:     {ModuleRunning, ModuleFailed, ModuleStopping},
	ModuleRunning:      {ModuleDegraded, ModuleFailed, ModuleStopping},
	ModuleDegraded:     {ModuleRunning, ModuleFailed, ModuleStopping},
	ModuleFailed:       {ModuleStarting, ModuleStopping},
	ModuleStopping:     {ModuleStopped},
	ModuleStopped:      {ModuleStarting},
}

// CanTransition reports whether moving from s to next is a legal edge of the
// module lifecycle state machine.
func (s ModuleState) CanTransition(next ModuleState) bool {
	for _, candidate := range validTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminalish reports whether a module in this state requires operator or
// supervisor intervention to make further progress.
func (s ModuleState) Terminalish() bool {
	return s == ModuleFailed || s == ModuleStopped
}

// ModuleKind identifies which of the fixed set of Skelly-Jelly modules a
// descriptor refers to.
type ModuleKind string

const (
	ModuleKindOrchestrator  ModuleKind = "orchestrator"
	ModuleKindDataCapture   ModuleKind = "data_capture"
	ModuleKindStorage       ModuleKind = "storage"
	ModuleKindAnalysis      ModuleKind = "analysis_engine"
	ModuleKindGamification  ModuleKind = "gamification"
	ModuleKindAIIntegration ModuleKind = "ai_integration"
	ModuleKindCuteFigure    ModuleKind = "cute_figure"
)

// ModuleDescriptor declares a module's identity and its dependencies within
// the registry's DAG, established once at registration time.
type ModuleDescriptor struct {
	Name         string
	Kind         ModuleKind
	DependsOn    []string
	StartTimeout time.Duration
	HealthPeriod time.Duration
}

// ModuleStatus is the mutable runtime record the registry and supervisor
// maintain per registered module.
type ModuleStatus struct {
	Descriptor     ModuleDescriptor
	State          ModuleState
	LastTransition time.Time
	LastError      string
	RestartCount   int
	DegradedSince  time.Time
}

// HealthReport is the periodic self-report a running module publishes on the
// control topic, consumed by the health monitor.
type HealthReport struct {
	Module    string    `json:"module"`
	Timestamp time.Time `json:"timestamp"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
}

// ResourceSampleReport is a system-wide resource reading taken by the health
// and resource monitor, distinct from the per-capture ResourceSamplePayload.
type ResourceSampleReport struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryRSSBytes int64     `json:"memory_rss_bytes"`
	DiskFreeBytes  int64     `json:"disk_free_bytes"`
	OverBudget     bool      `json:"over_budget"`
}

// RecoveryAction is the strategy the recovery supervisor chose for a failed
// or degraded module.
type RecoveryAction string

const (
	RecoveryRestartBackoff RecoveryAction = "restart_backoff"
	RecoveryRestartReset   RecoveryAction = "restart_reset"
	RecoveryDegrade        RecoveryAction = "degrade"
	RecoveryWaitDependency RecoveryAction = "wait_dependency"
	RecoveryEscalate       RecoveryAction = "escalate"
)
