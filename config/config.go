package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Game     GameConfig     `mapstructure:"game"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

type ServerConfig struct {
	HTTPAddress    string `mapstructure:"http_address"`
	RPCAddress     string `mapstructure:"rpc_address"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

type DatabaseConfig struct {
	// Driver selects the store implementation: "gorm" or "sql".
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// GameConfig carries room defaults and the lifecycle timing knobs.
type GameConfig struct {
	Rooms []RoomConfig `mapstructure:"rooms"`

	CountdownSeconds int `mapstructure:"countdown_seconds"`
	AnimationSeconds int `mapstructure:"animation_seconds"`
	// FallbackMarginSeconds is added on top of the animation duration
	// before the server gives up waiting for the client completion signal.
	FallbackMarginSeconds int `mapstructure:"fallback_margin_seconds"`
	ResetDelaySeconds     int `mapstructure:"reset_delay_seconds"`
	QueueWorkers          int `mapstructure:"queue_workers"`
}

type RoomConfig struct {
	Name            string `mapstructure:"name"`
	BetAmount       int64  `mapstructure:"bet_amount"`
	MinParticipants int    `mapstructure:"min_participants"`
	MaxParticipants int    `mapstructure:"max_participants"`
	CountdownSecs   int    `mapstructure:"countdown_seconds"`
	WinnerCount     int    `mapstructure:"winner_count"`
	FeeBps          int    `mapstructure:"fee_bps"`
}

type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

func LoadConfig(path string) (config *Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("database.driver", "gorm")
	viper.SetDefault("game.countdown_seconds", 30)
	viper.SetDefault("game.animation_seconds", 8)
	viper.SetDefault("game.fallback_margin_seconds", 5)
	viper.SetDefault("game.reset_delay_seconds", 3)
	viper.SetDefault("game.queue_workers", 4)
	viper.SetDefault("nats.subject_prefix", "raffle")
	viper.SetDefault("auth.token_ttl", 24*time.Hour)

	viper.AutomaticEnv()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

// AnimationWindow is the full duration the fallback timer waits after the
// countdown reaches zero before forcing winner processing.
func (g GameConfig) AnimationWindow() time.Duration {
	return time.Duration(g.AnimationSeconds+g.FallbackMarginSeconds) * time.Second
}

func (g GameConfig) ResetDelay() time.Duration {
	return time.Duration(g.ResetDelaySeconds) * time.Second
}
