// Package config loads the mail store's configuration from an INI file
// (spec.md §6), the same gopkg.in/ini.v1-backed approach and
// environment-variable override convention the teacher's proxy
// configuration uses, generalised from a sharded-backend-map shape to
// the mail store's flatter key set.
package config

import (
	"fmt"
	"os"

	"gopkg.in/ini.v1"
)

// Config holds every recognised option (spec.md §6 Configuration).
type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBAddress  string
	DBPort     int
	DBSchema   string

	DBMaxHandles    int
	DBHandleInterval int // seconds

	PGUser string // superuser for ident fallback

	Hostname string

	UseTLS         bool
	TLSCertificate string
	TLSKey         string

	JailUser string
	Security string

	LogFile  string
	LogLevel string

	IMAPListen string
	POP3Listen string
	LMTPListen string
}

// Load reads path as an ini file and applies environment overrides
// (service-name-prefixed env vars) for db-address, db-password and
// log-level; the other keys come from the file only.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	sec := f.Section("")

	c := &Config{
		DBUser:     sec.Key("db-user").MustString("mailstore"),
		DBPassword: sec.Key("db-password").String(),
		DBName:     sec.Key("db-name").MustString("mailstore"),
		DBAddress:  sec.Key("db-address").MustString("127.0.0.1"),
		DBPort:     sec.Key("db-port").MustInt(5432),
		DBSchema:   sec.Key("db-schema").String(),

		DBMaxHandles:     sec.Key("db-max-handles").MustInt(16),
		DBHandleInterval: sec.Key("db-handle-interval").MustInt(60),

		PGUser: sec.Key("pg-user").String(),

		Hostname: sec.Key("hostname").MustString(mustHostname()),

		UseTLS:         sec.Key("use-tls").MustBool(false),
		TLSCertificate: sec.Key("tls-certificate").String(),
		TLSKey:         sec.Key("tls-key").String(),

		JailUser: sec.Key("jail-user").String(),
		Security: sec.Key("security").MustString("chroot"),

		LogFile:  sec.Key("log-file").MustString("-"),
		LogLevel: sec.Key("log-level").MustString("Info"),

		IMAPListen: sec.Key("imap-listen").MustString(":143"),
		POP3Listen: sec.Key("pop3-listen").MustString(":110"),
		LMTPListen: sec.Key("lmtp-listen").MustString(":2026"),
	}

	applyEnvOverrides(c)

	if c.DBPassword == "" {
		return nil, fmt.Errorf("config: db-password is required")
	}
	return c, nil
}

func mustHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("MAILSTORED_DB_ADDRESS"); v != "" {
		c.DBAddress = v
	}
	if v := os.Getenv("MAILSTORED_DB_PASSWORD"); v != "" {
		c.DBPassword = v
	}
	if v := os.Getenv("MAILSTORED_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
