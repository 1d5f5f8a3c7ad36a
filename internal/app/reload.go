package app

import (
	"context"
	"strings"

	"github.com/wetnet-beep/rassilka-tg/internal/config"
	logx "github.com/wetnet-beep/rassilka-tg/pkg/logx"
)

// applyConfig pushes an accepted config to every component that supports
// hot reload. Transport, dry-run mode and storage only change on restart.
func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	prev := a.current
	a.current = next

	changed, fields := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config change requires restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))
	a.logs.Redact(next.Telegram.Token)

	if lc, err := mapLimits(next); err == nil {
		a.limiter.Apply(lc)
	}
	if bc, err := mapBroadcast(next); err == nil {
		a.worker.Apply(bc)
	}
	if cc, err := mapCampaign(next); err == nil {
		a.engine.Apply(cc)
	}
	if sc, err := mapSchedules(next); err == nil {
		a.sched.Apply(sc)
	} else {
		a.log.Warn("schedules not applied", logx.Err(err))
	}
	if nc, err := mapNotify(next); err == nil {
		a.notif.Apply(nc)
	}
	a.cmds.Apply(mapControl(next))
	a.router.SetOwners(next.Telegram.OwnerUserIDs)
	a.metricsSrv.Reconfigure(ctx, mapMetrics(next))

	fields = append(fields, logx.String("sections", strings.Join(changed, ",")))
	a.log.Info("config reloaded", fields...)
}
