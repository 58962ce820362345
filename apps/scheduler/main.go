package main

import (
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/voyagecrm/affiliate/internal/audit"
	"github.com/voyagecrm/affiliate/internal/cache"
	"github.com/voyagecrm/affiliate/internal/clock"
	"github.com/voyagecrm/affiliate/internal/config"
	"github.com/voyagecrm/affiliate/internal/contract"
	"github.com/voyagecrm/affiliate/internal/events"
	"github.com/voyagecrm/affiliate/internal/ledger"
	"github.com/voyagecrm/affiliate/internal/logger"
	"github.com/voyagecrm/affiliate/internal/observability"
	"github.com/voyagecrm/affiliate/internal/profile"
	"github.com/voyagecrm/affiliate/internal/recovery"
	"github.com/voyagecrm/affiliate/internal/sale"
	"github.com/voyagecrm/affiliate/internal/scheduler"
	"github.com/voyagecrm/affiliate/internal/settlement"
	"github.com/voyagecrm/affiliate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		events.Module,

		// Domain services required by the scheduler jobs
		audit.Module,
		profile.Module,
		ledger.Module,
		sale.Module,
		settlement.Module,
		recovery.Module,
		contract.Module,

		// No HTTP server: this process only runs jobs.
		fx.Decorate(withEnabledJobs),
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

// withEnabledJobs narrows the job set via SCHEDULER_JOBS, a comma-separated
// list of job names. Empty means all jobs run.
func withEnabledJobs(cfg scheduler.Config) scheduler.Config {
	raw := strings.TrimSpace(os.Getenv("SCHEDULER_JOBS"))
	if raw == "" {
		return cfg
	}
	var jobs []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			jobs = append(jobs, name)
		}
	}
	cfg.EnabledJobs = jobs
	return cfg
}
