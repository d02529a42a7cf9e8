// Package app assembles the ledger services over one store.
package app

import (
	"log/slog"
	"time"

	"github.com/warp/ledgerlock/audit"
	"github.com/warp/ledgerlock/gate"
	"github.com/warp/ledgerlock/ledger"
	"github.com/warp/ledgerlock/metrics"
	"github.com/warp/ledgerlock/monthlock"
	"github.com/warp/ledgerlock/report"
	"github.com/warp/ledgerlock/unlock"
)

// Options tune the assembled services. Zero values keep service defaults.
type Options struct {
	EditWindow             time.Duration
	DefaultDurationMinutes int
	MaxDurationMinutes     int
	Metrics                *metrics.Metrics
	Logger                 *slog.Logger
}

// App holds the wired services.
type App struct {
	Gate    *gate.Gate
	Entries *gate.EntryService
	Months  *monthlock.Service
	Unlocks *unlock.Workflow
	Reports *report.Engine
	Audit   *audit.Trail
	Clock   ledger.Clock
	Metrics *metrics.Metrics
}

// New wires every service to store and auditLog.
func New(store ledger.Store, auditLog ledger.AuditLog, clock ledger.Clock, opts Options) *App {
	logger := ledger.OrDiscard(opts.Logger)

	months := monthlock.New(store, auditLog, clock)
	months.Metrics = opts.Metrics
	months.Logger = logger.With("component", "monthlock")

	wf := unlock.New(store, store, store, months, auditLog, clock)
	wf.Metrics = opts.Metrics
	wf.Logger = logger.With("component", "unlock")
	wf.DefaultDuration = opts.DefaultDurationMinutes
	wf.MaxDuration = opts.MaxDurationMinutes

	g := gate.New(store, store, months, wf, clock)
	g.EditWindow = opts.EditWindow
	g.Metrics = opts.Metrics
	g.Logger = logger.With("component", "gate")

	entries := gate.NewEntryService(g, store, store, auditLog, clock)
	entries.Logger = logger.With("component", "entries")

	reports := report.New(store)
	reports.Months = months
	reports.Metrics = opts.Metrics
	reports.Logger = logger.With("component", "report")

	trail := audit.New(auditLog)
	trail.Logger = logger.With("component", "audit")

	return &App{
		Gate:    g,
		Entries: entries,
		Months:  months,
		Unlocks: wf,
		Reports: reports,
		Audit:   trail,
		Clock:   clock,
		Metrics: opts.Metrics,
	}
}
