package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultWelcomeText     = "Hi! This is an automated assistant for orders and messages. The seller will reply shortly."
	defaultWatermarkText   = "[LOTWATCH]"
	defaultWelcomeCooldown = 1900
)

// Settings is the runtime configuration re-read at the top of every polling cycle,
// so a rotated session cookie or a changed interval applies without restart.
type Settings struct {
	SessionCookie string `yaml:"session_cookie"`
	Debug         bool   `yaml:"debug"`

	ChatPollInterval    float64 `yaml:"chat_poll_interval"`
	OrdersPollInterval  float64 `yaml:"orders_poll_interval"`
	RemoteInfoInterval  float64 `yaml:"remote_info_interval"`
	VersionPollInterval float64 `yaml:"version_poll_interval"`
	BumpInterval        float64 `yaml:"bump_interval"`

	WelcomeEnabled         bool   `yaml:"welcome_enabled"`
	WelcomeText            string `yaml:"welcome_text"`
	WelcomeCooldownMinutes int    `yaml:"welcome_cooldown_minutes"`

	WatermarkOn   bool   `yaml:"watermark_on"`
	WatermarkText string `yaml:"watermark_text"`

	CurrentVersion string `yaml:"current_version"`
}

// DefaultSettings mirrors the values used when the settings file is absent or partial.
func DefaultSettings() Settings {
	return Settings{
		ChatPollInterval:       5,
		OrdersPollInterval:     10,
		RemoteInfoInterval:     120,
		VersionPollInterval:    300,
		BumpInterval:           1800,
		WelcomeEnabled:         true,
		WelcomeText:            defaultWelcomeText,
		WelcomeCooldownMinutes: defaultWelcomeCooldown,
		WatermarkOn:            true,
		WatermarkText:          defaultWatermarkText,
	}
}

// WelcomeCooldown returns the dormant-conversation window; zero disables the welcome reply.
func (s Settings) WelcomeCooldown() time.Duration {
	if s.WelcomeCooldownMinutes <= 0 {
		return 0
	}
	return time.Duration(s.WelcomeCooldownMinutes) * time.Minute
}

// Watermark prefixes text with the configured watermark when enabled.
func (s Settings) Watermark(text string) string {
	if !s.WatermarkOn || strings.TrimSpace(s.WatermarkText) == "" {
		return text
	}
	return s.WatermarkText + "\n\n" + text
}

// Seconds converts a settings interval to a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// SettingsSource yields a fresh settings snapshot.
type SettingsSource interface {
	Settings() (Settings, error)
}

// SettingsFile reads Settings from a YAML file on every call.
type SettingsFile struct {
	path           string
	sessionCookie  string
	currentVersion string
}

// NewSettingsFile returns a SettingsFile. sessionCookie and currentVersion are used
// when the file does not set them.
func NewSettingsFile(path, sessionCookie, currentVersion string) *SettingsFile {
	return &SettingsFile{path: path, sessionCookie: sessionCookie, currentVersion: currentVersion}
}

// Settings reads and normalises the settings file. A missing file yields
// defaults; on error the returned Settings are still usable defaults with the
// session cookie and version fallbacks applied.
func (f *SettingsFile) Settings() (Settings, error) {
	s := DefaultSettings()
	var loadErr error
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		loadErr = fmt.Errorf("read settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			s = DefaultSettings()
			loadErr = fmt.Errorf("parse settings %s: %w", f.path, err)
		}
	}
	if strings.TrimSpace(s.SessionCookie) == "" {
		s.SessionCookie = f.sessionCookie
	}
	if strings.TrimSpace(s.CurrentVersion) == "" {
		s.CurrentVersion = f.currentVersion
	}
	if strings.TrimSpace(s.WelcomeText) == "" {
		s.WelcomeText = defaultWelcomeText
	}
	return s, loadErr
}

// StaticSettings is a SettingsSource returning a fixed snapshot.
type StaticSettings Settings

// Settings implements SettingsSource.
func (s StaticSettings) Settings() (Settings, error) {
	return Settings(s), nil
}
