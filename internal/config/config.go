// Package config reads peer and relay settings from the environment. A .env
// file in the working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type LogConfig struct {
	Level  zerolog.Level
	Format string // "console" or "json"
}

// Apply installs the process-wide zerolog logger.
func (c LogConfig) Apply(w io.Writer) {
	zerolog.SetGlobalLevel(c.Level)
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
}

type ICEConfig struct {
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// Servers builds the ICE server list handed to peer transports.
func (c ICEConfig) Servers() []domain.ICEServer {
	var out []domain.ICEServer
	if len(c.STUNURLs) > 0 {
		out = append(out, domain.ICEServer{URLs: c.STUNURLs})
	}
	if len(c.TURNURLs) > 0 {
		out = append(out, domain.ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return out
}

type ReconnectConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

type PeerConfig struct {
	RelayURL    string
	APIURL      string
	UserID      domain.UserID
	GracePeriod time.Duration
	ICE         ICEConfig
	Reconnect   ReconnectConfig
	Log         LogConfig
}

type RelayConfig struct {
	Addr           string
	DatabasePath   string
	AllowedOrigins []string
	MessageRate    float64
	MessageBurst   int
	ICE            ICEConfig
	Log            LogConfig
}

func LoadPeer() (*PeerConfig, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &PeerConfig{
		RelayURL:    getEnv("RELAY_URL", "ws://localhost:8000/ws"),
		APIURL:      getEnv("API_URL", "http://localhost:8000/api/v1"),
		GracePeriod: getDuration("CALL_GRACE_PERIOD", 2*time.Second, &errs),
		ICE:         loadICE(),
		Reconnect: ReconnectConfig{
			Attempts:  getInt("RECONNECT_ATTEMPTS", 5, &errs),
			BaseDelay: getDuration("RECONNECT_BASE_DELAY", time.Second, &errs),
			MaxDelay:  getDuration("RECONNECT_MAX_DELAY", 10*time.Second, &errs),
		},
		Log: loadLog(&errs),
	}
	if raw := getEnv("USER_ID", ""); raw != "" {
		id, err := domain.ParseUserID(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid USER_ID: %w", err))
		}
		cfg.UserID = id
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *PeerConfig) Validate() error {
	var errs []error
	if c.UserID <= 0 {
		errs = append(errs, errors.New("USER_ID is required"))
	}
	if err := checkURL(c.RelayURL, "ws", "wss"); err != nil {
		errs = append(errs, fmt.Errorf("invalid RELAY_URL: %w", err))
	}
	if c.APIURL != "" {
		if err := checkURL(c.APIURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("invalid API_URL: %w", err))
		}
	}
	if c.Reconnect.Attempts < 0 {
		errs = append(errs, errors.New("RECONNECT_ATTEMPTS must not be negative"))
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("RECONNECT_BASE_DELAY must be positive and not above RECONNECT_MAX_DELAY"))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, errors.New("CALL_GRACE_PERIOD must be positive"))
	}
	return errors.Join(errs...)
}

func LoadRelay() (*RelayConfig, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &RelayConfig{
		Addr:           getEnv("RELAY_ADDR", ":8000"),
		DatabasePath:   getEnv("DATABASE_PATH", "./data/duet.db"),
		AllowedOrigins: getList("ALLOWED_ORIGINS", []string{"*"}),
		MessageRate:    getFloat("RELAY_MESSAGE_RATE", 50, &errs),
		MessageBurst:   getInt("RELAY_MESSAGE_BURST", 100, &errs),
		ICE:            loadICE(),
		Log:            loadLog(&errs),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *RelayConfig) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("RELAY_ADDR is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("DATABASE_PATH is required"))
	}
	if c.MessageRate <= 0 || c.MessageBurst <= 0 {
		errs = append(errs, errors.New("RELAY_MESSAGE_RATE and RELAY_MESSAGE_BURST must be positive"))
	}
	if len(c.ICE.TURNURLs) > 0 && (c.ICE.TURNUsername == "" || c.ICE.TURNPassword == "") {
		errs = append(errs, errors.New("TURN_USERNAME and TURN_PASSWORD are required with TURN_URLS"))
	}
	return errors.Join(errs...)
}

func loadICE() ICEConfig {
	return ICEConfig{
		STUNURLs:     getList("STUN_URLS", DefaultSTUNURLs),
		TURNURLs:     getList("TURN_URLS", nil),
		TURNUsername: getEnv("TURN_USERNAME", ""),
		TURNPassword: getEnv("TURN_PASSWORD", ""),
	}
}

func loadLog(errs *[]error) LogConfig {
	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}
	format := getEnv("LOG_FORMAT", "console")
	if format != "console" && format != "json" {
		*errs = append(*errs, fmt.Errorf("invalid LOG_FORMAT %q", format))
	}
	return LogConfig{Level: level, Format: format}
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %v", schemes)
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

// getList splits a comma separated variable, dropping empty entries.
func getList(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, fallback int, errs *[]error) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64, errs *[]error) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}
