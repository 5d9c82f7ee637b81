package config

import (
	"reflect"
	"sort"
	"strings"

	logx "sitepulse/pkg/logx"
)

// RestartSections lists sections whose changes take effect only after a restart.
var RestartSections = map[string]bool{"storage": true, "sites.source": true}

// SummarizeConfigChange returns the changed section names and safe attributes
// describing them. Secrets (dsn, token, webhook headers) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	diff := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	diff("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	diff("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
	)
	diff("task_engine", oldCfg.TaskEngine, newCfg.TaskEngine,
		logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
		logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		logx.Int("task_engine.lanes", len(newCfg.TaskEngine.Lanes)),
	)
	diff("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
		logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
	)
	if !strings.EqualFold(oldCfg.Sites.Source, newCfg.Sites.Source) || oldCfg.Sites.DSN != newCfg.Sites.DSN {
		changed = append(changed, "sites.source")
		attrs = append(attrs, logx.String("sites.source", newCfg.Sites.Source))
	}
	diff("sites", oldCfg.Sites.List, newCfg.Sites.List, logx.Int("sites.count", len(newCfg.Sites.List)))
	diff("hours", oldCfg.Hours, newCfg.Hours,
		logx.String("hours.catch_up_allowance", newCfg.Hours.CatchUpAllowance),
		logx.String("hours.fallback_weekdays", strings.Join(newCfg.Hours.FallbackWeekdays, ",")),
	)
	diff("ledger", oldCfg.Ledger, newCfg.Ledger,
		logx.String("ledger.stuck_threshold", newCfg.Ledger.StuckThreshold),
		logx.Int("ledger.max_retries", newCfg.Ledger.MaxRetries),
	)
	diff("evaluation", oldCfg.Evaluation, newCfg.Evaluation,
		logx.String("evaluation.schedule", newCfg.Evaluation.Schedule),
		logx.String("evaluation.operations", strings.Join(newCfg.Evaluation.Operations, ",")),
	)
	diff("remediation", oldCfg.Remediation, newCfg.Remediation,
		logx.String("remediation.schedule", newCfg.Remediation.Schedule),
	)
	diff("dispatch", oldCfg.Dispatch, newCfg.Dispatch,
		logx.Any("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
		logx.Bool("dispatch.supersede", newCfg.Dispatch.Supersede),
	)
	if ops := changedOperations(oldCfg.Operations, newCfg.Operations); len(ops) > 0 {
		changed = append(changed, "operations")
		attrs = append(attrs, logx.String("operations.changed", strings.Join(ops, ",")))
	}
	diff("ops_api", oldCfg.OpsAPI, newCfg.OpsAPI,
		logx.Bool("ops_api.enabled", newCfg.OpsAPI.Enabled),
		logx.String("ops_api.addr", newCfg.OpsAPI.Addr),
		logx.Bool("ops_api.token_set", newCfg.OpsAPI.Token != ""),
	)
	return changed, attrs
}

func changedOperations(a, b map[string]OperationConfig) []string {
	var out []string
	for name, oa := range a {
		if ob, ok := b[name]; !ok || !reflect.DeepEqual(oa, ob) {
			out = append(out, name)
		}
	}
	for name := range b {
		if _, ok := a[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
