package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errNoSchedule = errors.New("schedule required")

// Plan is a parsed maintenance schedule: either a fixed interval or a cron
// expression.
//
//	"0 4 * * *", "30 0 4 * * *", "@daily", "@every 30m"  cron
//	"30m", "every 6h", "interval:2h30m", "00:45"          interval
//
// "HH:MM" is an interval (hours and minutes), not a time of day; use cron
// for that.
type Plan struct {
	Every time.Duration
	Cron  string
}

// Spec is the plan in robfig/cron syntax.
func (p Plan) Spec() string {
	if p.Every > 0 {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

func ParsePlan(raw string) (Plan, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Plan{}, errNoSchedule
	}
	low := strings.ToLower(s)

	if rest, ok := strings.CutPrefix(low, "cron:"); ok {
		if rest = strings.TrimSpace(rest); rest == "" {
			return Plan{}, fmt.Errorf("%w after \"cron:\"", errNoSchedule)
		}
		return Plan{Cron: strings.TrimSpace(s[len("cron:"):])}, nil
	}
	for _, p := range []string{"interval:", "every:", "every "} {
		if rest, ok := strings.CutPrefix(low, p); ok {
			d, err := parseEvery(rest)
			return Plan{Every: d}, err
		}
	}
	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return Plan{Cron: s}, nil
	}
	d, err := parseEvery(low)
	if err != nil {
		return Plan{}, fmt.Errorf("invalid schedule %q: use cron (\"0 4 * * *\"), an interval (\"30m\") or HH:MM", raw)
	}
	return Plan{Every: d}, nil
}

func parseEvery(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if herr != nil || merr != nil || len(mm) != 2 || h < 0 || m < 0 || m > 59 {
			return 0, fmt.Errorf("invalid HH:MM %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
