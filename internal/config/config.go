package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Settings holds the recognized daemon options loaded at start.
type Settings struct {
	WebSocket WebSocketSettings
	Session   SessionSettings
}

// WebSocketSettings configure the two listeners and the TLS material.
type WebSocketSettings struct {
	WsPort                  int
	WssPort                 int
	CertificatePath         string
	CertificatePassword     string
	CertificateValidityDays int
	AutoInstallCertificate  bool
}

// SessionSettings configure token lifetime and the session cap.
type SessionSettings struct {
	TokenExpirationMinutes int
	MaxConcurrentSessions  int
}

// TokenTTL returns the configured token lifetime.
func (s SessionSettings) TokenTTL() time.Duration {
	return time.Duration(s.TokenExpirationMinutes) * time.Minute
}

// Defaults returns the built-in settings used when no config file exists.
func Defaults(paths Paths) Settings {
	return Settings{
		WebSocket: WebSocketSettings{
			WsPort:                  8180,
			WssPort:                 8181,
			CertificatePath:         paths.Certificate,
			CertificatePassword:     "scanwithweb",
			CertificateValidityDays: 365,
			AutoInstallCertificate:  true,
		},
		Session: SessionSettings{
			TokenExpirationMinutes: 30,
			MaxConcurrentSessions:  10,
		},
	}
}

// Load reads the recognized options from the product config file. A missing
// file yields defaults; a malformed file is an error so the daemon does not
// silently start with half-applied settings.
func Load(paths Paths) (Settings, error) {
	defaults := Defaults(paths)

	v := viper.New()
	v.SetConfigFile(paths.ConfigFile)
	v.SetConfigType("json")

	v.SetDefault("WebSocket.WsPort", defaults.WebSocket.WsPort)
	v.SetDefault("WebSocket.WssPort", defaults.WebSocket.WssPort)
	v.SetDefault("WebSocket.CertificatePath", defaults.WebSocket.CertificatePath)
	v.SetDefault("WebSocket.CertificatePassword", defaults.WebSocket.CertificatePassword)
	v.SetDefault("WebSocket.CertificateValidityDays", defaults.WebSocket.CertificateValidityDays)
	v.SetDefault("WebSocket.AutoInstallCertificate", defaults.WebSocket.AutoInstallCertificate)
	v.SetDefault("Session.TokenExpirationMinutes", defaults.Session.TokenExpirationMinutes)
	v.SetDefault("Session.MaxConcurrentSessions", defaults.Session.MaxConcurrentSessions)

	if err := v.ReadInConfig(); err != nil {
		// viper reports a missing explicit file as *fs.PathError rather than
		// ConfigFileNotFoundError; both mean "no file, use defaults".
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			log.Printf("[Config] no config file at %s, using defaults", paths.ConfigFile)
			return defaults, nil
		}
		return Settings{}, fmt.Errorf("read config %s: %w", paths.ConfigFile, err)
	}

	settings := Settings{
		WebSocket: WebSocketSettings{
			WsPort:                  v.GetInt("WebSocket.WsPort"),
			WssPort:                 v.GetInt("WebSocket.WssPort"),
			CertificatePath:         v.GetString("WebSocket.CertificatePath"),
			CertificatePassword:     v.GetString("WebSocket.CertificatePassword"),
			CertificateValidityDays: v.GetInt("WebSocket.CertificateValidityDays"),
			AutoInstallCertificate:  v.GetBool("WebSocket.AutoInstallCertificate"),
		},
		Session: SessionSettings{
			TokenExpirationMinutes: v.GetInt("Session.TokenExpirationMinutes"),
			MaxConcurrentSessions:  v.GetInt("Session.MaxConcurrentSessions"),
		},
	}

	if err := settings.validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func (s Settings) validate() error {
	if s.WebSocket.WsPort <= 0 || s.WebSocket.WsPort > 65535 {
		return fmt.Errorf("config: WebSocket.WsPort %d out of range", s.WebSocket.WsPort)
	}
	if s.WebSocket.WssPort <= 0 || s.WebSocket.WssPort > 65535 {
		return fmt.Errorf("config: WebSocket.WssPort %d out of range", s.WebSocket.WssPort)
	}
	if s.WebSocket.WsPort == s.WebSocket.WssPort {
		return fmt.Errorf("config: WsPort and WssPort must differ (both %d)", s.WebSocket.WsPort)
	}
	if s.WebSocket.CertificateValidityDays <= 0 {
		return fmt.Errorf("config: CertificateValidityDays must be positive")
	}
	if s.Session.TokenExpirationMinutes <= 0 {
		return fmt.Errorf("config: TokenExpirationMinutes must be positive")
	}
	if s.Session.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("config: MaxConcurrentSessions must be positive")
	}
	return nil
}
