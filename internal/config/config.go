package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // the display zone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"

	"github.com/pauljones0/tg-site-mirror/internal/validator"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	VK       VKConfig       `mapstructure:"vk"`
	Site     SiteConfig     `mapstructure:"site"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type TelegramConfig struct {
	Token      string `mapstructure:"token"`
	Channel    string `mapstructure:"channel" validate:"required"`
	APIBaseURL string `mapstructure:"api_base_url" validate:"required,url"`
	FetchLimit int    `mapstructure:"fetch_limit" validate:"gte=1,lte=100"`
}

type VKConfig struct {
	Token           string `mapstructure:"token"`
	GroupID         string `mapstructure:"group_id"`
	APIBaseURL      string `mapstructure:"api_base_url" validate:"required,url"`
	APIVersion      string `mapstructure:"api_version" validate:"required"`
	MaxMessageRunes int    `mapstructure:"max_message_runes" validate:"gte=1"`
}

// Enabled reports whether the social sink has credentials.
func (c VKConfig) Enabled() bool {
	return c.Token != "" && c.GroupID != ""
}

type SiteConfig struct {
	PublicDir string `mapstructure:"public_dir" validate:"required"`
	BaseURL   string `mapstructure:"base_url" validate:"required,url"`
	Name      string `mapstructure:"name" validate:"required"`
	Timezone  string `mapstructure:"timezone" validate:"required"`
}

// Location resolves the single display zone used for every timestamp.
func (c SiteConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

type PipelineConfig struct {
	VisibleLimit  int           `mapstructure:"visible_limit" validate:"gte=1"`
	Retention     time.Duration `mapstructure:"retention" validate:"gt=0"`
	MaxVideoBytes int64         `mapstructure:"max_video_bytes" validate:"gt=0"`
	RSSItems      int           `mapstructure:"rss_items" validate:"gte=1"`
}

type CategoryRule struct {
	Category string   `mapstructure:"category" validate:"required"`
	Keywords []string `mapstructure:"keywords" validate:"min=1,dive,required"`
}

type RulesConfig struct {
	Boilerplate  []string       `mapstructure:"boilerplate"`
	UrgentMarker string         `mapstructure:"urgent_marker"`
	Categories   []CategoryRule `mapstructure:"categories" validate:"dive"`
}

type LedgerConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=bolt firestore"`
	Path      string `mapstructure:"path" validate:"required_if=Backend bolt"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Backend firestore"`
}

type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required,numeric"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

func DefaultRules() RulesConfig {
	return RulesConfig{
		Boilerplate: []string{
			`Подписаться на новости для своих`,
			`https://t\.me/newsSVOih`,
			`РФ`,
		},
		UrgentMarker: "#срочно",
		Categories: []CategoryRule{
			{Category: "Россия", Keywords: []string{"Россия"}},
			{Category: "Космос", Keywords: []string{"Космос"}},
			{Category: "Мир", Keywords: []string{"Израиль", "Газа", "Мексика", "США", "Китай", "Тайвань", "Мир"}},
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.channel", "newsSVOih")
	v.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	v.SetDefault("telegram.fetch_limit", 15)

	v.SetDefault("vk.api_base_url", "https://api.vk.com/method")
	v.SetDefault("vk.api_version", "5.199")
	v.SetDefault("vk.max_message_runes", 4095)

	v.SetDefault("site.public_dir", "public")
	v.SetDefault("site.base_url", "https://newsforsvoi.ru")
	v.SetDefault("site.name", "Новости для Своих")
	v.SetDefault("site.timezone", "Europe/Moscow")

	v.SetDefault("pipeline.visible_limit", 12)
	v.SetDefault("pipeline.retention", "48h")
	v.SetDefault("pipeline.max_video_bytes", 20_000_000)
	v.SetDefault("pipeline.rss_items", 20)

	rules := DefaultRules()
	v.SetDefault("rules.boilerplate", rules.Boilerplate)
	v.SetDefault("rules.urgent_marker", rules.UrgentMarker)
	v.SetDefault("rules.categories", rules.Categories)

	v.SetDefault("ledger.backend", "bolt")
	v.SetDefault("ledger.path", "state/ledger.db")

	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from defaults, an optional config file, and the
// environment (MIRROR_* plus the legacy TELEGRAM_TOKEN, VK_TOKEN, VK_GROUP_ID
// and GOOGLE_CLOUD_PROJECT names).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("mirror")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	v.SetEnvPrefix("MIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New().ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.Site.Location(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var legacyEnv = map[string][]string{
	"telegram.token":    {"MIRROR_TELEGRAM_TOKEN", "TELEGRAM_TOKEN"},
	"vk.token":          {"MIRROR_VK_TOKEN", "VK_TOKEN"},
	"vk.group_id":       {"MIRROR_VK_GROUP_ID", "VK_GROUP_ID"},
	"ledger.project_id": {"MIRROR_LEDGER_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"},
}
