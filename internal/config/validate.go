package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks cross-field rules the strict decoder can't express.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := Span(path, raw)
		add(err)
		return d
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "file", "sqlite", "memory":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	}

	if d := dur("deferred.max_delta", cfg.Deferred.MaxDelta); d != 0 && d < time.Second {
		add(errors.New("deferred.max_delta must be at least 1s"))
	}
	dur("deferred.degeneracy_delay", cfg.Deferred.DegeneracyDelay)
	dur("deferred.exec_timeout", cfg.Deferred.ExecTimeout)

	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("maintenance.timezone: %w", err))
		}
	}

	seen := map[string]bool{}
	for i, l := range cfg.VoteLadders {
		path := fmt.Sprintf("vote_ladders[%d]", i)
		name := strings.ToLower(strings.TrimSpace(l.Name))
		switch {
		case name == "":
			add(fmt.Errorf("%s.name is required", path))
		case seen[name]:
			add(fmt.Errorf("%s.name: duplicate ladder %q", path, l.Name))
		}
		seen[name] = true
		if l.ChatID == 0 {
			add(fmt.Errorf("%s.chat_id is required", path))
		}
		if d := dur(path+".timeout", l.Timeout); d <= 0 {
			add(fmt.Errorf("%s.timeout must be > 0", path))
		}
		if l.Minimum < 0 || l.Threshold < 0 {
			add(fmt.Errorf("%s: threshold and minimum must be >= 0", path))
		}
	}
	return errors.Join(errs...)
}
