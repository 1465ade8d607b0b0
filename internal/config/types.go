package config

// Config is the on-disk configuration (JSON or YAML, strict).
// Durations are Go duration strings ("1s", "960h").
type Config struct {
	Telegram    TelegramConfig     `json:"telegram"`
	Logging     LoggingConfig      `json:"logging"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Deferred    DeferredConfig     `json:"deferred"`
	Maintenance MaintenanceConfig  `json:"maintenance"`
	VoteLadders []VoteLadderConfig `json:"vote_ladders,omitempty"`
	Systemd     SystemdConfig      `json:"systemd"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
	// RatePerSec bounds outbound API calls. Default 20.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to a chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the action store. Nil means an in-memory store
// (nothing survives a restart).
//
//	"storage": { "driver": "sqlite", "path": "./modbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DeferredConfig tunes the deferred-action scheduler.
//
// Defaults: max_delta "960h" (40 days), degeneracy_delay "1s", exec_timeout "30s".
type DeferredConfig struct {
	MaxDelta        string `json:"max_delta,omitempty"`
	DegeneracyDelay string `json:"degeneracy_delay,omitempty"`
	ExecTimeout     string `json:"exec_timeout,omitempty"`
}

// MaintenanceConfig drives the periodic housekeeping jobs.
// Schedules accept cron expressions or "@every <duration>".
type MaintenanceConfig struct {
	Enabled      bool   `json:"enabled"`
	Timezone     string `json:"timezone,omitempty"`
	CompactEvery string `json:"compact_every,omitempty"`
	AuditEvery   string `json:"audit_every,omitempty"`
}

type VoteLadderConfig struct {
	Name      string `json:"name"`
	ChatID    int64  `json:"chat_id"`
	Timeout   string `json:"timeout"`
	Threshold int    `json:"threshold"`
	// Minimum upvotes a winning vote needs to pass.
	Minimum int `json:"minimum"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
