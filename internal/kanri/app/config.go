package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Kanri/common/environment"
	"github.com/bdobrica/Kanri/internal/kanri/awx"
	"github.com/bdobrica/Kanri/internal/kanri/confirm"
	"github.com/bdobrica/Kanri/internal/kanri/discovery"
	"github.com/bdobrica/Kanri/internal/kanri/handlers/inventory"
	"github.com/bdobrica/Kanri/internal/kanri/handlers/playbook"
	"github.com/bdobrica/Kanri/internal/kanri/matrix"
	"github.com/bdobrica/Kanri/internal/kanri/nlp"
	"github.com/bdobrica/Kanri/internal/kanri/queue"
	"github.com/bdobrica/Kanri/internal/kanri/vocabulary"
)

// Defaults for settings that are not required.
const (
	DefaultDatabasePath    = "./kanri.db"
	DefaultRefreshInterval = 10 * time.Minute
	DefaultSyncTimeout     = 5 * time.Minute
)

// Config holds all application configuration.
type Config struct {
	DatabasePath string
	// HealthAddr is the listen address of the health server; empty disables it.
	HealthAddr string
	// AdminSenders restricts who may talk to the bot.  Empty allows everyone
	// in the admin rooms.
	AdminSenders []string

	Matrix    matrix.Config
	AuditRoom string

	Etcd       discovery.EtcdConfig
	EtcdPrefix string
	// DiscoveryFile replaces etcd with a watched YAML file.
	DiscoveryFile string

	AWX awx.Config

	NLP          nlp.Config
	NLPRateLimit int

	Playbooks   playbook.Location
	GitHubToken string
	GitLabToken string
	GitLabURL   string

	ConfirmTTL         time.Duration
	CacheTTL           time.Duration
	RefreshInterval    time.Duration
	SyncTimeout        time.Duration
	QueueMaxConcurrent int
	// AuditRetention is how long audit entries are kept; zero keeps them
	// forever.
	AuditRetention time.Duration
}

// LoadConfig reads every setting from l.
func LoadConfig(l *environment.Loader) *Config {
	return &Config{
		DatabasePath: l.StringOr("DATABASE_PATH", DefaultDatabasePath),
		HealthAddr:   l.StringOr("HEALTH_ADDR", ""),
		AdminSenders: l.StringSliceOr("KANRI_ADMIN_SENDERS", nil),

		Matrix: matrix.Config{
			Homeserver:  l.StringOr("MATRIX_HOMESERVER", ""),
			UserID:      l.StringOr("MATRIX_USER_ID", ""),
			AccessToken: l.StringOr("MATRIX_ACCESS_TOKEN", ""),
			AdminRooms:  l.StringSliceOr("MATRIX_ADMIN_ROOMS", nil),
		},
		AuditRoom: l.StringOr("MATRIX_AUDIT_ROOM", ""),

		Etcd: discovery.EtcdConfig{
			Server: l.StringOr("ETCD_SERVER", ""),
			Port:   l.IntOr("ETCD_PORT", 2379),
		},
		EtcdPrefix:    l.StringOr("ETCD_PREFIX", vocabulary.DefaultPrefix),
		DiscoveryFile: l.StringOr("DISCOVERY_FILE", ""),

		AWX: awx.Config{
			Server:       l.StringOr("AWX_SERVER", ""),
			Token:        l.StringOr("AWX_TOKEN", ""),
			Username:     l.StringOr("AWX_USERNAME", ""),
			Password:     l.StringOr("AWX_PASSWORD", ""),
			ClientID:     l.StringOr("AWX_CLIENT_ID", ""),
			ClientSecret: l.StringOr("AWX_CLIENT_SECRET", ""),
			Timeout:      l.DurationOr("AWX_TIMEOUT", 30*time.Second),
		},

		NLP: nlp.Config{
			Provider: l.StringOr("LLM_PROVIDER", ""),
			APIKey:   l.StringOr("LLM_API_KEY", ""),
			BaseURL:  l.StringOr("LLM_BASE_URL", ""),
			Model:    l.StringOr("LLM_MODEL", ""),
			Timeout:  l.DurationOr("LLM_TIMEOUT", 60*time.Second),
		},
		NLPRateLimit: l.IntOr("NLP_RATE_LIMIT", nlp.DefaultRateLimit),

		Playbooks: playbook.Location{
			Provider: l.StringOr("PLAYBOOK_PROVIDER", playbook.DefaultProvider),
			Repo:     l.StringOr("PLAYBOOK_REPO", ""),
			Path:     l.StringOr("PLAYBOOK_PATH", playbook.DefaultPath),
			Branch:   l.StringOr("PLAYBOOK_BRANCH", playbook.DefaultBranch),
		},
		GitHubToken: l.StringOr("GITHUB_TOKEN", ""),
		GitLabToken: l.StringOr("GITLAB_TOKEN", ""),
		GitLabURL:   l.StringOr("GITLAB_URL", ""),

		ConfirmTTL:         l.DurationOr("CONFIRM_TTL", confirm.DefaultTTL),
		CacheTTL:           l.DurationOr("CACHE_TTL", inventory.DefaultCacheTTL),
		RefreshInterval:    l.DurationOr("REFRESH_INTERVAL", DefaultRefreshInterval),
		SyncTimeout:        l.DurationOr("SYNC_TIMEOUT", DefaultSyncTimeout),
		QueueMaxConcurrent: l.IntOr("QUEUE_MAX_CONCURRENT", queue.DefaultMaxConcurrent),
		AuditRetention:     l.DurationOr("AUDIT_RETENTION", 0),
	}
}

// MatrixEnabled reports whether enough Matrix settings are present to
// start the bot.
func (c *Config) MatrixEnabled() bool {
	return c.Matrix.Homeserver != "" && c.Matrix.UserID != "" && c.Matrix.AccessToken != ""
}

// AWXEnabled reports whether an AWX server is configured.
func (c *Config) AWXEnabled() bool { return c.AWX.Server != "" }

// ValidateCore reports settings every command needs.
func (c *Config) ValidateCore() error {
	var errs []error
	if c.Etcd.Server == "" && c.DiscoveryFile == "" {
		errs = append(errs, errors.New("ETCD_SERVER or DISCOVERY_FILE is required"))
	}
	if c.AWXEnabled() && c.AWX.Token == "" && (c.AWX.Username == "" || c.AWX.Password == "") {
		errs = append(errs, errors.New("AWX_SERVER is set but neither AWX_TOKEN nor AWX_USERNAME/AWX_PASSWORD are"))
	}
	if c.QueueMaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_CONCURRENT must be at least 1, got %d", c.QueueMaxConcurrent))
	}
	return errors.Join(errs...)
}

// Validate reports missing settings for the long-running bot.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ValidateCore(); err != nil {
		errs = append(errs, err)
	}
	for _, kv := range [][2]string{
		{"MATRIX_HOMESERVER", c.Matrix.Homeserver},
		{"MATRIX_USER_ID", c.Matrix.UserID},
		{"MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken},
	} {
		if kv[1] == "" {
			errs = append(errs, fmt.Errorf("%s is required", kv[0]))
		}
	}
	if len(c.Matrix.AdminRooms) == 0 {
		errs = append(errs, errors.New("MATRIX_ADMIN_ROOMS is required"))
	}
	return errors.Join(errs...)
}
