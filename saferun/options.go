package saferun

import (
	"time"

	"github.com/Officialhomie/saferun-x402-go/saferun/artifact"
	"github.com/Officialhomie/saferun-x402-go/saferun/emit"
	"github.com/Officialhomie/saferun-x402-go/saferun/escrow"
)

// Option is a functional option for configuring an Orchestrator.
//
// Functional options give the Orchestrator constructor a clean, extensible
// API:
//
//	orch := saferun.New(
//	    saferun.WithClock(fakeClock),
//	    saferun.WithMetrics(metrics),
//	    saferun.WithEmitter(emitter),
//	    saferun.WithReconciliationConfig(cfg),
//	)
type Option func(*orchestratorConfig)

// orchestratorConfig collects options before New applies them.
type orchestratorConfig struct {
	clock           func() time.Time
	artifacts       artifact.Sink
	escrow          escrow.Sink
	metrics         *PrometheusMetrics
	emitter         emit.Emitter
	reconciliation  ReconciliationConfig
	executorShare   float64
	supervisorShare float64
}

func defaultOrchestratorConfig() orchestratorConfig {
	return orchestratorConfig{
		clock:           time.Now,
		reconciliation:  DefaultReconciliationConfig(),
		executorShare:   0.90,
		supervisorShare: 0.10,
	}
}

// WithClock injects a deterministic time source. Tests use this to advance
// time without sleeping, e.g. to exercise checkpoint timeout behavior.
func WithClock(clock func() time.Time) Option {
	return func(c *orchestratorConfig) { c.clock = clock }
}

// WithArtifactSink sets the content-addressed store used to persist
// checkpoint snapshots. If unset, snapshots are kept only in-process and
// ArtifactURI is always empty.
func WithArtifactSink(sink artifact.Sink) Option {
	return func(c *orchestratorConfig) { c.artifacts = sink }
}

// WithEscrowSink sets the facility used to lock, release, and split funds.
// If unset, start() skips locking and settle() skips releasing — useful
// for tests that exercise only the state machine.
func WithEscrowSink(sink escrow.Sink) Option {
	return func(c *orchestratorConfig) { c.escrow = sink }
}

// WithMetrics attaches a Prometheus metrics collector. If unset, metrics
// calls are no-ops.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *orchestratorConfig) { c.metrics = m }
}

// WithEmitter attaches a structured-event emitter. If unset, events are
// dropped (see emit.NullEmitter semantics, reproduced locally as a no-op).
func WithEmitter(e emit.Emitter) Option {
	return func(c *orchestratorConfig) { c.emitter = e }
}

// WithReconciliationConfig overrides the partial-completion and payout
// policy constants (resolves the Open Question in spec §9: these are
// policy knobs, not hard-coded literals).
func WithReconciliationConfig(cfg ReconciliationConfig) Option {
	return func(c *orchestratorConfig) { c.reconciliation = cfg }
}

// WithSettlementShares overrides the default 90/10 executor/supervisor
// settlement split. The two shares need not sum to 1; each is applied
// independently to the settlement total (escrow amount times completion
// ratio).
func WithSettlementShares(executorShare, supervisorShare float64) Option {
	return func(c *orchestratorConfig) {
		c.executorShare = executorShare
		c.supervisorShare = supervisorShare
	}
}
