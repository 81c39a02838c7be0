package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"mailcal/internal/extract"
)

// Source kinds.
const (
	SourceSpool = "spool"
	SourceIMAP  = "imap"
	SourceGmail = "gmail"
)

// Environment variables holding secrets. They are never written to the
// config file.
const (
	EnvIMAPPassword = "MAILCAL_IMAP_PASSWORD"
	EnvSMTPPassword = "MAILCAL_SMTP_PASSWORD"
)

// IMAPConfig describes an IMAP mailbox polled for scheduling mails.
type IMAPConfig struct {
	// Addr is host:port of an implicit-TLS IMAP server (e.g. "imap.gmail.com:993").
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	Mailbox  string `yaml:"mailbox" json:"mailbox"`
}

// GoogleAuthConfig points at OAuth client credentials and a stored token.
// Token acquisition happens outside mailcal.
type GoogleAuthConfig struct {
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	TokenFile       string `yaml:"token_file" json:"token_file"`
}

// SourceConfig selects where messages come from.
type SourceConfig struct {
	// Kind is one of "spool" (default), "imap" or "gmail".
	Kind string `yaml:"kind" json:"kind"`

	// SpoolDir holds Gmail API message JSON files for the spool source.
	SpoolDir string `yaml:"spool_dir" json:"spool_dir"`

	IMAP  IMAPConfig       `yaml:"imap" json:"imap"`
	Gmail GoogleAuthConfig `yaml:"gmail" json:"gmail"`
}

// GoogleCalendarConfig enables submission through the Google Calendar API.
type GoogleCalendarConfig struct {
	GoogleAuthConfig `yaml:",inline" json:",inline"`
	// CalendarID defaults to "primary".
	CalendarID string `yaml:"calendar_id" json:"calendar_id"`
}

// SMTPConfig enables e-mailing iCalendar invites to the attendees.
type SMTPConfig struct {
	// Addr is host:port of an implicit-TLS submission server (e.g. "smtp.gmail.com:465").
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	From     string `yaml:"from" json:"from"`
}

// SinksConfig lists where built events go. Several may be enabled at once;
// they are tried in the order google, ics, smtp.
type SinksConfig struct {
	Google *GoogleCalendarConfig `yaml:"google,omitempty" json:"google,omitempty"`
	// ICSDir, if set, receives one .ics file per event.
	ICSDir string      `yaml:"ics_dir" json:"ics_dir"`
	SMTP   *SMTPConfig `yaml:"smtp,omitempty" json:"smtp,omitempty"`
}

// ICSConfig describes a single ICS subscription used by the duplicate guard.
type ICSConfig struct {
	URL  string `yaml:"url" json:"url"`
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// DedupeConfig controls the duplicate guard.
type DedupeConfig struct {
	// Feeds are ICS subscriptions of the target calendar.
	Feeds []ICSConfig `yaml:"feeds" json:"feeds"`
	// CacheDir stores ETag/Last-Modified metadata and bodies per feed.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA timezone every event is created in (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// Poll is a cron spec for the mailbox poll (e.g. "@every 10s", "*/1 * * * *").
	Poll string `yaml:"poll" json:"poll"`

	// SubjectMarker must appear in the Subject for a message to be processed.
	SubjectMarker string `yaml:"subject_marker" json:"subject_marker"`

	// DefaultAttendee is invited when a message names no attendee.
	DefaultAttendee string `yaml:"default_attendee" json:"default_attendee"`

	// DefaultDurationHours is used when a message gives no duration.
	DefaultDurationHours float64 `yaml:"default_duration_hours" json:"default_duration_hours"`

	// Labels is the ordered label table for field extraction.
	Labels extract.Table `yaml:"labels" json:"labels"`

	Source SourceConfig `yaml:"source" json:"source"`
	Sinks  SinksConfig  `yaml:"sinks" json:"sinks"`
	Dedupe DedupeConfig `yaml:"dedupe" json:"dedupe"`

	// LedgerPath is the SQLite file recording processed messages.
	LedgerPath string `yaml:"ledger_path" json:"ledger_path"`

	// MaxAttempts is how many polls may try to submit one message before it
	// is given up on.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// Listen is the HTTP listen address for the status API. Empty disables it.
	Listen string `yaml:"listen" json:"listen"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:             "Asia/Seoul",
		Poll:                 "@every 10s",
		SubjectMarker:        "!!일정!!",
		DefaultAttendee:      "",
		DefaultDurationHours: 1,
		Labels:               extract.DefaultTable(),
		Source: SourceConfig{
			Kind:     SourceSpool,
			SpoolDir: "./var/spool",
			IMAP: IMAPConfig{
				Addr:    "imap.gmail.com:993",
				Mailbox: "INBOX",
			},
		},
		Sinks: SinksConfig{
			ICSDir: "./var/outbox",
		},
		Dedupe: DedupeConfig{
			Feeds:    []ICSConfig{},
			CacheDir: "./var/ics-cache",
		},
		LedgerPath:  "./var/mailcal.db",
		MaxAttempts: 5,
		Listen:      "127.0.0.1:8080",
		LogLevel:    "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()

	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Poll == "" {
		c.Poll = def.Poll
	}
	if c.SubjectMarker == "" {
		c.SubjectMarker = def.SubjectMarker
	}
	if c.DefaultDurationHours <= 0 {
		c.DefaultDurationHours = def.DefaultDurationHours
	}
	if len(c.Labels) == 0 {
		c.Labels = def.Labels
	}

	switch c.Source.Kind {
	case SourceSpool, SourceIMAP, SourceGmail:
		// ok
	default:
		// 알 수 없는 값은 Validate 에서 잡는다. 빈 값만 기본값으로 채운다.
		if c.Source.Kind == "" {
			c.Source.Kind = SourceSpool
		}
	}
	if c.Source.SpoolDir == "" {
		c.Source.SpoolDir = def.Source.SpoolDir
	}
	if c.Source.IMAP.Mailbox == "" {
		c.Source.IMAP.Mailbox = def.Source.IMAP.Mailbox
	}
	if c.Sinks.Google != nil && c.Sinks.Google.CalendarID == "" {
		c.Sinks.Google.CalendarID = "primary"
	}
	if c.Dedupe.Feeds == nil {
		c.Dedupe.Feeds = []ICSConfig{}
	}
	if c.Dedupe.CacheDir == "" {
		c.Dedupe.CacheDir = def.Dedupe.CacheDir
	}
	if c.LedgerPath == "" {
		c.LedgerPath = def.LedgerPath
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate reports configuration errors that Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.Poll); err != nil {
		errs = append(errs, fmt.Errorf("poll %q: %w", c.Poll, err))
	}
	if err := c.Labels.Validate(); err != nil {
		errs = append(errs, err)
	}
	// 참석자가 없는 메일도 초대장이 나가야 하므로 기본 참석자는 필수다.
	if strings.TrimSpace(c.DefaultAttendee) == "" {
		errs = append(errs, errors.New("default_attendee is required"))
	} else if _, err := mail.ParseAddress(c.DefaultAttendee); err != nil {
		errs = append(errs, fmt.Errorf("default_attendee %q: %w", c.DefaultAttendee, err))
	}

	switch c.Source.Kind {
	case SourceSpool:
	case SourceIMAP:
		if c.Source.IMAP.Addr == "" || c.Source.IMAP.Username == "" {
			errs = append(errs, errors.New("source.imap: addr and username are required"))
		}
	case SourceGmail:
		if c.Source.Gmail.CredentialsFile == "" || c.Source.Gmail.TokenFile == "" {
			errs = append(errs, errors.New("source.gmail: credentials_file and token_file are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind %q is not one of spool, imap, gmail", c.Source.Kind))
	}

	if g := c.Sinks.Google; g != nil && (g.CredentialsFile == "" || g.TokenFile == "") {
		errs = append(errs, errors.New("sinks.google: credentials_file and token_file are required"))
	}
	if s := c.Sinks.SMTP; s != nil && (s.Addr == "" || s.Username == "" || s.From == "") {
		errs = append(errs, errors.New("sinks.smtp: addr, username and from are required"))
	}
	if c.Sinks.Google == nil && c.Sinks.ICSDir == "" && c.Sinks.SMTP == nil {
		errs = append(errs, errors.New("sinks: at least one sink must be configured"))
	}

	return errors.Join(errs...)
}

// DefaultDuration returns DefaultDurationHours as a time.Duration.
func (c *Config) DefaultDuration() time.Duration {
	return time.Duration(c.DefaultDurationHours * float64(time.Hour))
}

// Secret reads a secret from the environment, trimming whitespace. App
// passwords are often pasted with spaces, so those are removed too.
func Secret(env string) string {
	return strings.ReplaceAll(strings.TrimSpace(os.Getenv(env)), " ", "")
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".mailcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
