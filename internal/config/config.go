package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/policy"
	"github.com/memohai/chatgate/internal/reply"
	"github.com/memohai/chatgate/internal/shortid"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultJWTExpiresIn      = "24h"
	DefaultAgentGatewayURL   = "http://127.0.0.1:8081"
	DefaultAgentTimeout      = "120s"
	DefaultDedupeBackend     = "memory"
	DefaultDedupeCapacity    = 500
	DefaultDedupeTTL         = "10m"
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultPairingBackend    = "file"
	DefaultPairingPath       = "data/pairing.json"
	DefaultPairingTTL        = "1h"
	DefaultPairingMaxPending = 3
	DefaultPruneSchedule     = "@every 1m"
	DefaultShortIDCapacity   = shortid.DefaultCapacity
	DefaultHistoryPerChat    = 50
	DefaultHistoryMaxChats   = 1000
	DefaultHistoryTTL        = "6h"
	DefaultLaneIdleTimeout   = "5m"
	DefaultLaneQueueSize     = 100
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	Auth         AuthConfig         `toml:"auth"`
	AgentGateway AgentGatewayConfig `toml:"agent_gateway"`
	Dedupe       DedupeConfig       `toml:"dedupe"`
	Redis        RedisConfig        `toml:"redis"`
	Pairing      PairingConfig      `toml:"pairing"`
	ShortID      ShortIDConfig      `toml:"shortid"`
	History      HistoryConfig      `toml:"history"`
	Lanes        LanesConfig        `toml:"lanes"`
	Accounts     []AccountConfig    `toml:"accounts" validate:"dive"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type AgentGatewayConfig struct {
	BaseURL string `toml:"base_url" validate:"required,url"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

type DedupeConfig struct {
	Backend  string `toml:"backend" validate:"oneof=memory redis"`
	Capacity int    `toml:"capacity" validate:"gte=0"`
	TTL      string `toml:"ttl"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db" validate:"gte=0"`
}

type PairingConfig struct {
	Backend       string `toml:"backend" validate:"oneof=memory file sqlite postgres"`
	Path          string `toml:"path"`
	DSN           string `toml:"dsn"`
	TTL           string `toml:"ttl"`
	MaxPending    int    `toml:"max_pending" validate:"gte=0"`
	PruneSchedule string `toml:"prune_schedule"`
}

type ShortIDConfig struct {
	Capacity int `toml:"capacity" validate:"gte=0"`
}

type HistoryConfig struct {
	PerChat  int    `toml:"per_chat" validate:"gte=0"`
	MaxChats int    `toml:"max_chats" validate:"gte=0"`
	TTL      string `toml:"ttl"`
}

type LanesConfig struct {
	IdleTimeout string `toml:"idle_timeout"`
	QueueSize   int    `toml:"queue_size" validate:"gte=0"`
}

type AckReactionConfig struct {
	Emoji string `toml:"emoji"`
	Scope string `toml:"scope"`
}

// AccountConfig is one [[accounts]] entry.
type AccountConfig struct {
	Channel                string            `toml:"channel" validate:"required,oneof=bluebubbles telegram"`
	ID                     string            `toml:"id"`
	WebhookPath            string            `toml:"webhook_path"`
	Secret                 string            `toml:"secret"`
	ServerURL              string            `toml:"server_url" validate:"omitempty,url"`
	BotToken               string            `toml:"bot_token"`
	BotUsername            string            `toml:"bot_username"`
	DMPolicy               string            `toml:"dm_policy"`
	GroupPolicy            string            `toml:"group_policy"`
	AllowFrom              []string          `toml:"allow_from"`
	GroupAllowFrom         []string          `toml:"group_allow_from"`
	CommandAllowFrom       []string          `toml:"command_allow_from"`
	RequireMention         bool              `toml:"require_mention"`
	MentionPatterns        []string          `toml:"mention_patterns"`
	AckReaction            AckReactionConfig `toml:"ack_reaction"`
	SendReadReceipts       *bool             `toml:"send_read_receipts"`
	TextChunkLimit         int               `toml:"text_chunk_limit" validate:"gte=0"`
	NotifyReactionRemovals bool              `toml:"notify_reaction_removals"`
	RateLimitPerSec        float64           `toml:"rate_limit_per_sec" validate:"gte=0"`
	RateLimitBurst         int               `toml:"rate_limit_burst" validate:"gte=0"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		AgentGateway: AgentGatewayConfig{
			BaseURL: DefaultAgentGatewayURL,
			Timeout: DefaultAgentTimeout,
		},
		Dedupe: DedupeConfig{
			Backend:  DefaultDedupeBackend,
			Capacity: DefaultDedupeCapacity,
			TTL:      DefaultDedupeTTL,
		},
		Redis: RedisConfig{
			Addr: DefaultRedisAddr,
		},
		Pairing: PairingConfig{
			Backend:       DefaultPairingBackend,
			Path:          DefaultPairingPath,
			TTL:           DefaultPairingTTL,
			MaxPending:    DefaultPairingMaxPending,
			PruneSchedule: DefaultPruneSchedule,
		},
		ShortID: ShortIDConfig{
			Capacity: DefaultShortIDCapacity,
		},
		History: HistoryConfig{
			PerChat:  DefaultHistoryPerChat,
			MaxChats: DefaultHistoryMaxChats,
			TTL:      DefaultHistoryTTL,
		},
		Lanes: LanesConfig{
			IdleTimeout: DefaultLaneIdleTimeout,
			QueueSize:   DefaultLaneQueueSize,
		},
	}
}

// Load reads path over the defaults and validates the result. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			err := cfg.Validate()
			return cfg, err
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	err := cfg.Validate()
	return cfg, err
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(data string) (Config, error) {
	cfg := Defaults()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return cfg, err
	}
	err := cfg.Validate()
	return cfg, err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the rules that span fields.
func (c *Config) Validate() error {
	for i := range c.Accounts {
		if strings.TrimSpace(c.Accounts[i].ID) == "" {
			c.Accounts[i].ID = "default"
		}
		c.Accounts[i].Channel = strings.ToLower(strings.TrimSpace(c.Accounts[i].Channel))
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	for name, raw := range map[string]string{
		"auth.jwt_expires_in":   c.Auth.JWTExpiresIn,
		"agent_gateway.timeout": c.AgentGateway.Timeout,
		"dedupe.ttl":            c.Dedupe.TTL,
		"pairing.ttl":           c.Pairing.TTL,
		"history.ttl":           c.History.TTL,
		"lanes.idle_timeout":    c.Lanes.IdleTimeout,
	} {
		if _, err := parseDuration(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch c.Pairing.Backend {
	case "file", "sqlite":
		if strings.TrimSpace(c.Pairing.Path) == "" {
			errs = append(errs, fmt.Errorf("pairing.path is required for the %s backend", c.Pairing.Backend))
		}
	case "postgres":
		if strings.TrimSpace(c.Pairing.DSN) == "" {
			errs = append(errs, errors.New("pairing.dsn is required for the postgres backend"))
		}
	}
	if c.Dedupe.Backend == "redis" && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis dedupe backend"))
	}

	seenAccounts := map[string]struct{}{}
	seenPaths := map[string]string{}
	for _, a := range c.Accounts {
		key := a.Channel + "/" + a.ID
		if _, dup := seenAccounts[key]; dup {
			errs = append(errs, fmt.Errorf("account %s is configured twice", key))
		}
		seenAccounts[key] = struct{}{}
		if path := a.webhookPathOrDefault(); path != "" {
			if prev, dup := seenPaths[path]; dup {
				errs = append(errs, fmt.Errorf("webhook path %s is used by %s and %s", path, prev, key))
			}
			seenPaths[path] = key
		}
		if _, err := a.PolicyConfig(); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", key, err))
		}
		if _, err := a.ReplySettings(); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", key, err))
		}
		if a.Channel == string(channel.ChannelTelegram) && strings.TrimSpace(a.BotToken) == "" {
			errs = append(errs, fmt.Errorf("account %s: bot_token is required", key))
		}
		if a.Channel == string(channel.ChannelBlueBubbles) && strings.TrimSpace(a.ServerURL) == "" {
			errs = append(errs, fmt.Errorf("account %s: server_url is required", key))
		}
	}
	return errors.Join(errs...)
}

func (a AccountConfig) webhookPathOrDefault() string {
	path := strings.TrimSpace(a.WebhookPath)
	if path == "" {
		switch channel.ChannelType(a.Channel) {
		case channel.ChannelBlueBubbles:
			path = "/bluebubbles-webhook"
		case channel.ChannelTelegram:
			path = "/telegram-webhook"
		}
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	return path
}

// Account converts the entry into the adapter-facing account.
func (a AccountConfig) Account() channel.Account {
	return channel.Account{
		Channel:     channel.ChannelType(a.Channel),
		ID:          a.ID,
		ServerURL:   strings.TrimRight(strings.TrimSpace(a.ServerURL), "/"),
		Secret:      a.Secret,
		BotToken:    a.BotToken,
		BotUsername: strings.TrimPrefix(strings.TrimSpace(a.BotUsername), "@"),
	}
}

// PolicyConfig converts the access settings of the entry.
func (a AccountConfig) PolicyConfig() (policy.Config, error) {
	dm, err := policy.ParseDMPolicy(a.DMPolicy)
	if err != nil {
		return policy.Config{}, err
	}
	group, err := policy.ParseGroupPolicy(a.GroupPolicy)
	if err != nil {
		return policy.Config{}, err
	}
	patterns, err := policy.CompileMentionPatterns(a.MentionPatterns)
	if err != nil {
		return policy.Config{}, err
	}
	return policy.Config{
		DMPolicy:         dm,
		GroupPolicy:      group,
		AllowFrom:        a.AllowFrom,
		GroupAllowFrom:   a.GroupAllowFrom,
		CommandAllowFrom: a.CommandAllowFrom,
		RequireMention:   a.RequireMention,
		MentionPatterns:  patterns,
	}, nil
}

// ReplySettings converts the reply options of the entry.
func (a AccountConfig) ReplySettings() (reply.Settings, error) {
	scope, err := reply.ParseAckScope(a.AckReaction.Scope)
	if err != nil {
		return reply.Settings{}, err
	}
	s := reply.DefaultSettings()
	s.AckEmoji = strings.TrimSpace(a.AckReaction.Emoji)
	s.AckScope = scope
	if a.SendReadReceipts != nil {
		s.SendReadReceipts = *a.SendReadReceipts
	}
	s.NotifyReactionRemovals = a.NotifyReactionRemovals
	s.TextChunkLimit = a.TextChunkLimit
	return s, nil
}

// Duration parses a duration setting; empty means zero.
func Duration(raw string) time.Duration {
	d, _ := parseDuration(raw)
	return d
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
