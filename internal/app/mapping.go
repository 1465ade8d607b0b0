package app

import (
	"strings"
	"time"

	"modbot/internal/actions"
	"modbot/internal/config"
	"modbot/internal/storage"
	"modbot/internal/task/deferred"
	"modbot/internal/task/scheduler"
	telegram "modbot/internal/transport/telegram/adapter"
	logx "modbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			ChatID:     l.Alert.ChatID,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.SpanOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		RatePerSec:  float64(cfg.Telegram.RatePerSec),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	busy, err := config.Span("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapDeferredConfig(cfg *config.Config) (deferred.Config, error) {
	d := cfg.Deferred
	maxDelta, err := config.SpanOr("deferred.max_delta", d.MaxDelta, deferred.DefaultMaxDelta)
	if err != nil {
		return deferred.Config{}, err
	}
	degen, err := config.SpanOr("deferred.degeneracy_delay", d.DegeneracyDelay, deferred.DefaultDegeneracyDelay)
	if err != nil {
		return deferred.Config{}, err
	}
	exec, err := config.SpanOr("deferred.exec_timeout", d.ExecTimeout, deferred.DefaultExecTimeout)
	if err != nil {
		return deferred.Config{}, err
	}
	return deferred.Config{MaxDelta: maxDelta, DegeneracyDelay: degen, ExecTimeout: exec}, nil
}

type maintenancePlan struct {
	cfg          scheduler.Config
	compactEvery string
	auditEvery   string
}

func mapMaintenance(cfg *config.Config) (maintenancePlan, error) {
	m := cfg.Maintenance
	p := maintenancePlan{
		cfg:          scheduler.Config{Enabled: m.Enabled, Timezone: m.Timezone},
		compactEvery: orDefault(m.CompactEvery, defaultCompactEvery),
		auditEvery:   orDefault(m.AuditEvery, defaultAuditEvery),
	}
	for _, s := range []string{p.compactEvery, p.auditEvery} {
		if _, err := scheduler.ParsePlan(s); err != nil {
			return maintenancePlan{}, err
		}
	}
	return p, nil
}

// ladderSet is an immutable name -> ladder index, swapped on reload.
type ladderSet map[string]actions.Ladder

func mapLadders(cfg *config.Config) (ladderSet, error) {
	out := ladderSet{}
	for _, l := range cfg.VoteLadders {
		d, err := config.Span("vote_ladders.timeout", l.Timeout)
		if err != nil {
			return nil, err
		}
		name := strings.ToLower(strings.TrimSpace(l.Name))
		out[name] = actions.Ladder{
			Name:      name,
			ChatID:    l.ChatID,
			Timeout:   d,
			Threshold: l.Threshold,
			Minimum:   l.Minimum,
		}
	}
	return out, nil
}

func (s ladderSet) lookup(name string) (actions.Ladder, bool) {
	l, ok := s[strings.ToLower(strings.TrimSpace(name))]
	return l, ok
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// validate runs the mapping functions so a reload is rejected when any
// section would fail to apply.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapDeferredConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenance(cfg); err != nil {
		return err
	}
	_, err := mapLadders(cfg)
	return err
}
