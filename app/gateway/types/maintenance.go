package types

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MaintenanceReport summarizes one maintenance run.
type MaintenanceReport struct {
	EvictedStats    int  `json:"evicted_stats"`
	ExpiredReceipts int  `json:"expired_receipts"`
	TopologyReload  bool `json:"topology_reloaded"`
}

// SetupScheduler registers Maintain on the configured cron spec.
func (a *App) SetupScheduler() error {
	logger := cron.VerbosePrintfLogger(zap.NewStdLog(a.Logger))
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))

	_, err := a.Cron.AddFunc(a.Config.MaintenanceCron, func() {
		a.Maintain()
	})
	return err
}

// Maintain evicts idle indexer statistics, expires stale receipts, then reloads the topology
// and drops cached quotes.
func (a *App) Maintain() MaintenanceReport {
	var report MaintenanceReport
	if a.Stats != nil {
		report.EvictedStats = a.Stats.Evict(a.Config.StatsRetention)
	}
	if a.Ledger != nil {
		report.ExpiredReceipts = a.Ledger.Sweep()
	}
	if a.Topology != nil {
		if err := a.Topology.Reload(); err != nil {
			a.Logger.Warn("Topology reload failed, keeping previous", zap.Error(err))
		} else {
			report.TopologyReload = true
			// cost models may have changed with the topology
			if a.Quotes != nil {
				a.Quotes.Purge()
			}
		}
	}
	a.Logger.Debug("Maintenance done",
		zap.Int("evicted_stats", report.EvictedStats),
		zap.Int("expired_receipts", report.ExpiredReceipts),
		zap.Bool("topology_reloaded", report.TopologyReload))
	return report
}
