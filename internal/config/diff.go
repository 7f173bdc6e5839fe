package config

import (
	"reflect"
	"strings"

	logx "repartibot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes the auth token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// HTTP (never log the token itself)
	if strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.AuthToken != newCfg.HTTP.AuthToken ||
		oldCfg.HTTP.EnqueuePerSec != newCfg.HTTP.EnqueuePerSec {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.auth_token_set", strings.TrimSpace(newCfg.HTTP.AuthToken) != ""),
			logx.Int("http.enqueue_per_sec", newCfg.HTTP.EnqueuePerSec),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Dispatch pacing profile
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.ratio_priority", newCfg.Dispatch.Ratio.Priority),
			logx.Int("dispatch.ratio_normal", newCfg.Dispatch.Ratio.Normal),
			logx.String("dispatch.after_hours", newCfg.Dispatch.AfterHours),
		)
	}

	// Journal
	if oldCfg.Journal != newCfg.Journal {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", newCfg.Journal.Driver),
		)
	}

	// Rotator + identities (identity set changes need a restart to take
	// full effect; log them anyway so the operator notices).
	if !reflect.DeepEqual(oldCfg.Rotator, newCfg.Rotator) ||
		!reflect.DeepEqual(oldCfg.Identities, newCfg.Identities) {
		changed = append(changed, "rotator")
		attrs = append(attrs,
			logx.Int("identities", len(newCfg.Identities)),
		)
	}

	return changed, attrs
}
