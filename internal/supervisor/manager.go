// Package supervisor owns each module's runtime lifecycle: starting modules
// in dependency order, probing their health, sampling their resource usage,
// and recovering them according to the configured strategy when they
// degrade or fail.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/skelly-jelly/core/internal/bus/eventbus"
	"github.com/skelly-jelly/core/internal/config"
	"github.com/skelly-jelly/core/internal/errs"
	"github.com/skelly-jelly/core/internal/logging"
	"github.com/skelly-jelly/core/internal/registry"
	"github.com/skelly-jelly/core/internal/schema"
)

// Module is the contract every supervised component implements.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// Option configures optional manager behaviour.
type Option func(*Manager)

// WithLogger overrides the manager's diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBus wires the event bus the manager publishes lifecycle and health
// events onto.
func WithBus(bus eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

type moduleState struct {
	module              Module
	desc                schema.ModuleDescriptor
	recovery            schema.RecoveryAction
	cancel              context.CancelFunc
	restartCount        int
	backoff             *backoff.ExponentialBackOff
	lastHealthy         time.Time
	consecutiveFailures int
	resourceBreaches    int
}

// Manager supervises every registered module's lifecycle.
type Manager struct {
	mu       sync.RWMutex
	registry *registry.Registry
	bus      eventbus.Bus
	logger   logging.Logger
	budgets  map[string]config.ResourceBudget

	states map[string]*moduleState

	healthCheckInterval    time.Duration
	healthCheckTimeout     time.Duration
	unhealthyThreshold     int
	resourceSampleInterval time.Duration

	restartCounter  metric.Int64Counter
	degradeCounter  metric.Int64Counter
	restartDuration metric.Float64Histogram

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a Manager bound to reg. Modules must already be
// registered in reg before Start is called.
func NewManager(reg *registry.Registry, budgets map[string]config.ResourceBudget, opts ...Option) *Manager {
	if reg == nil {
		reg = registry.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:               reg,
		logger:                 logging.L(),
		budgets:                budgets,
		states:                 make(map[string]*moduleState),
		healthCheckInterval:    30 * time.Second,
		healthCheckTimeout:     5 * time.Second,
		unhealthyThreshold:     3,
		resourceSampleInterval: 10 * time.Second,
		ctx:                    ctx,
		cancel:                 cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	meter := otel.Meter("supervisor")
	m.restartCounter, _ = meter.Int64Counter("supervisor.restarts")
	m.degradeCounter, _ = meter.Int64Counter("supervisor.degrades")
	m.restartDuration, _ = meter.Float64Histogram("supervisor.restart.duration", metric.WithUnit("ms"))
	return m
}

// Supervise attaches a live Module to its already-registered descriptor and
// recovery strategy.
func (m *Manager) Supervise(mod Module, desc schema.ModuleDescriptor, recovery schema.RecoveryAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Minute
	m.states[mod.Name()] = &moduleState{
		module:   mod,
		desc:     desc,
		recovery: recovery,
		backoff:  bo,
	}
}

// StartAll starts every supervised module in registry dependency order,
// failing fast if any module's startup exceeds its StartTimeout.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, name := range m.registry.StartOrder() {
		if err := m.startOne(ctx, name); err != nil {
			return err
		}
	}

	m.wg.Add(2)
	go m.healthLoop()
	go m.resourceLoop()
	return nil
}

func (m *Manager) startOne(ctx context.Context, name string) error {
	m.mu.RLock()
	st, ok := m.states[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := m.registry.Transition(name, schema.ModuleStarting, ""); err != nil {
		return err
	}
	m.publishLifecycle(ctx, name, schema.ModuleRegistered, schema.ModuleStarting, "")

	timeout := st.desc.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, runCancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	st.cancel = runCancel
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- st.module.Start(runCtx) }()

	select {
	case err := <-errCh:
		if err != nil {
			_ = m.registry.Transition(name, schema.ModuleFailed, err.Error())
			m.publishLifecycle(ctx, name, schema.ModuleStarting, schema.ModuleFailed, err.Error())
			return errs.New("supervisor", errs.CodeStartupTimeout, errs.WithModule(name), errs.WithMessage("module failed to start"), errs.WithCause(err))
		}
	case <-startCtx.Done():
		runCancel()
		_ = m.registry.Transition(name, schema.ModuleFailed, "startup timeout")
		m.publishLifecycle(ctx, name, schema.ModuleStarting, schema.ModuleFailed, "startup timeout")
		return errs.New("supervisor", errs.CodeStartupTimeout, errs.WithModule(name), errs.WithMessage("module startup exceeded timeout"))
	}

	if err := m.registry.Transition(name, schema.ModuleRunning, ""); err != nil {
		return err
	}
	m.mu.Lock()
	st.lastHealthy = time.Now()
	m.mu.Unlock()
	m.publishLifecycle(ctx, name, schema.ModuleStarting, schema.ModuleRunning, "")
	return nil
}

// StopAll stops every module in reverse dependency order.
func (m *Manager) StopAll(ctx context.Context) {
	m.cancel()
	m.wg.Wait()

	for _, name := range m.registry.StopOrder() {
		m.stopOne(ctx, name)
	}
}

func (m *Manager) stopOne(ctx context.Context, name string) {
	m.mu.RLock()
	st, ok := m.states[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	status, _ := m.registry.Status(name)
	if status.State.Terminalish() && status.State != schema.ModuleFailed {
		return
	}

	_ = m.registry.Transition(name, schema.ModuleStopping, "")
	m.publishLifecycle(ctx, name, status.State, schema.ModuleStopping, "")

	if st.cancel != nil {
		st.cancel()
	}
	if err := st.module.Stop(ctx); err != nil {
		m.logger.Error("module stop error", logging.String("module", name), logging.Err(err))
	}

	_ = m.registry.Transition(name, schema.ModuleStopped, "")
	m.publishLifecycle(ctx, name, schema.ModuleStopping, schema.ModuleStopped, "")
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probeAll()
		}
	}
}

func (m *Manager) probeAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.probeOne(name)
	}
}

func (m *Manager) probeOne(name string) {
	status, ok := m.registry.Status(name)
	if !ok || status.State != schema.ModuleRunning && status.State != schema.ModuleDegraded {
		return
	}

	m.mu.RLock()
	st := m.states[name]
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.healthCheckTimeout)
	err := st.module.HealthCheck(ctx)
	cancel()

	m.mu.Lock()
	if err != nil {
		st.consecutiveFailures++
	} else {
		st.consecutiveFailures = 0
		st.lastHealthy = time.Now()
	}
	failures := st.consecutiveFailures
	m.mu.Unlock()

	if failures >= m.unhealthyThreshold {
		m.handleUnhealthy(name, err)
	} else if status.State == schema.ModuleDegraded && failures == 0 {
		_ = m.registry.Transition(name, schema.ModuleRunning, "recovered")
		m.publishLifecycle(m.ctx, name, schema.ModuleDegraded, schema.ModuleRunning, "health recovered")
	}
}

func (m *Manager) handleUnhealthy(name string, cause error) {
	m.mu.RLock()
	st := m.states[name]
	m.mu.RUnlock()

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}

	switch st.recovery {
	case schema.RecoveryDegrade:
		status, _ := m.registry.Status(name)
		if status.State != schema.ModuleDegraded {
			_ = m.registry.Transition(name, schema.ModuleDegraded, detail)
			m.publishLifecycle(m.ctx, name, status.State, schema.ModuleDegraded, detail)
			if m.degradeCounter != nil {
				m.degradeCounter.Add(m.ctx, 1, metric.WithAttributes(attribute.String("module", name)))
			}
			m.cascadeDegrade(name)
		}
	case schema.RecoveryWaitDependency:
		m.logger.Warn("module unhealthy, waiting on dependency recovery", logging.String("module", name))
	case schema.RecoveryEscalate:
		_ = m.registry.Transition(name, schema.ModuleFailed, detail)
		m.publishLifecycle(m.ctx, name, schema.ModuleRunning, schema.ModuleFailed, detail)
		m.logger.Error("module escalated to operator", logging.String("module", name), logging.String("detail", detail))
	case schema.RecoveryRestartReset:
		m.restart(name, false)
	default: // RecoveryRestartBackoff
		m.restart(name, true)
	}
}

// cascadeDegrade marks every dependent of a degraded module as degraded too,
// rather than letting them fail outright against a half-working dependency.
func (m *Manager) cascadeDegrade(name string) {
	for _, dep := range m.registry.Descendants(name) {
		status, ok := m.registry.Status(dep)
		if !ok || status.State != schema.ModuleRunning {
			continue
		}
		_ = m.registry.Transition(dep, schema.ModuleDegraded, "dependency degraded: "+name)
		m.publishLifecycle(m.ctx, dep, schema.ModuleRunning, schema.ModuleDegraded, "dependency degraded: "+name)
	}
}

func (m *Manager) restart(name string, useBackoff bool) {
	m.mu.Lock()
	st := m.states[name]
	var wait time.Duration
	if useBackoff {
		wait = st.backoff.NextBackOff()
	} else {
		st.backoff.Reset()
	}
	st.restartCount++
	m.mu.Unlock()

	if wait == backoff.Stop {
		m.handleUnhealthy(name, fmt.Errorf("restart backoff exhausted"))
		return
	}

	go func() {
		if wait > 0 {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		start := time.Now()
		if st.cancel != nil {
			st.cancel()
		}
		_ = st.module.Stop(context.Background())
		_ = m.registry.Transition(name, schema.ModuleStopping, "restarting")
		_ = m.registry.Transition(name, schema.ModuleStopped, "")

		if err := m.startOne(m.ctx, name); err != nil {
			m.logger.Error("module restart failed", logging.String("module", name), logging.Err(err))
			return
		}
		if m.restartCounter != nil {
			m.restartCounter.Add(m.ctx, 1, metric.WithAttributes(attribute.String("module", name)))
		}
		if m.restartDuration != nil {
			m.restartDuration.Record(m.ctx, float64(time.Since(start).Milliseconds()))
		}
	}()
}

func (m *Manager) resourceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.resourceSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sampleResources()
		}
	}
}

// resourceBreachThreshold is how many consecutive over-budget samples force
// a module to Degraded, mirroring unhealthyThreshold's role for failed
// health checks.
const resourceBreachThreshold = 3

func (m *Manager) sampleResources() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	report := schema.ResourceSampleReport{
		Timestamp:      time.Now(),
		MemoryRSSBytes: int64(memStats.Sys),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := proc.CPUPercent(); err == nil {
			report.CPUPercent = pct
		}
		if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
			report.MemoryRSSBytes = int64(rss.RSS)
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		report.CPUPercent = pcts[0]
	}

	if usage, err := disk.Usage("."); err == nil {
		report.DiskFreeBytes = int64(usage.Free)
	}

	// Modules run in-process rather than as separate OS processes, so the
	// only process-wide sample available is evaluated against every
	// configured module budget in turn, rather than just "orchestrator".
	m.mu.RLock()
	names := make([]string, 0, len(m.budgets))
	for name := range m.budgets {
		names = append(names, name)
	}
	m.mu.RUnlock()

	anyOverBudget := false
	for _, name := range names {
		if m.evaluateModuleBudget(name, report) {
			anyOverBudget = true
		}
	}
	report.OverBudget = anyOverBudget

	if m.bus == nil {
		return
	}
	env := &schema.Envelope{Kind: schema.MessageKindHealthReport, HealthReport: &schema.HealthReport{
		Module:    "supervisor",
		Timestamp: report.Timestamp,
		Healthy:   !report.OverBudget,
	}}
	_, _ = m.bus.Publish(m.ctx, schema.MessageKindHealthReport, env)
}

// evaluateModuleBudget checks the latest resource sample against name's
// configured budget, tracks consecutive breaches, and forces the module to
// Degraded (cascading to its dependents) once resourceBreachThreshold is
// reached. It reports whether name is currently over budget.
func (m *Manager) evaluateModuleBudget(name string, report schema.ResourceSampleReport) bool {
	m.mu.RLock()
	budget, ok := m.budgets[name]
	st := m.states[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	budgetBytes := int64(budget.MemoryMB) * 1024 * 1024
	overMemory := budgetBytes > 0 && report.MemoryRSSBytes > budgetBytes
	overCPU := budget.CPUPercent > 0 && report.CPUPercent > budget.CPUPercent
	over := overMemory || overCPU
	if !over {
		if st != nil {
			m.mu.Lock()
			st.resourceBreaches = 0
			m.mu.Unlock()
		}
		return false
	}

	var breaches int
	if st != nil {
		m.mu.Lock()
		st.resourceBreaches++
		breaches = st.resourceBreaches
		m.mu.Unlock()
	}

	m.logger.Warn("resource budget exceeded",
		logging.String("module", name),
		logging.Int64("memory_rss_bytes", report.MemoryRSSBytes),
		logging.Int64("budget_bytes", budgetBytes),
		logging.Int("consecutive_breaches", breaches))

	if st == nil || breaches < resourceBreachThreshold {
		return true
	}

	status, ok := m.registry.Status(name)
	if !ok || status.State != schema.ModuleRunning {
		return true
	}
	if err := m.registry.Transition(name, schema.ModuleDegraded, "resource budget exceeded"); err != nil {
		return true
	}
	m.publishLifecycle(m.ctx, name, status.State, schema.ModuleDegraded, "resource budget exceeded")
	if m.degradeCounter != nil {
		m.degradeCounter.Add(m.ctx, 1, metric.WithAttributes(attribute.String("module", name)))
	}
	m.cascadeDegrade(name)
	return true
}

func (m *Manager) publishLifecycle(ctx context.Context, name string, from, to schema.ModuleState, reason string) {
	m.logger.Info("module lifecycle transition",
		logging.String("module", name),
		logging.String("from", string(from)),
		logging.String("to", string(to)),
		logging.String("reason", reason))
	if m.bus == nil {
		return
	}
	env := &schema.Envelope{Kind: schema.MessageKindModuleLifecycle, ModuleLifecycleEvent: &schema.ModuleLifecycleEvent{
		Module:    name,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}}
	_, _ = m.bus.Publish(ctx, schema.MessageKindModuleLifecycle, env)
}
