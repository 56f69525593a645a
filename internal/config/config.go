// Package config はサービスの設定を環境変数と任意のYAMLファイルから読み込む。
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Config は通知サービスとAPI Gatewayが共有する設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// DatabasePath はSQLiteデータベースのDSN。
	DatabasePath string `mapstructure:"database_path"`

	// AMQPURL はRabbitMQの接続URL。空の場合はキューを購読しない。
	AMQPURL string `mapstructure:"amqp_url"`
	// AMQPExchange は通知イベントを発行するトピックExchange。
	AMQPExchange string `mapstructure:"amqp_exchange"`
	// AMQPQueue は通知サービスが購読する永続キュー。
	AMQPQueue string `mapstructure:"amqp_queue"`
	// AMQPRoutingKey はキューのバインドに使うルーティングキー。
	AMQPRoutingKey string `mapstructure:"amqp_routing_key"`
	// ConsumerWorkers はキューを並行処理するワーカー数。
	ConsumerWorkers int `mapstructure:"consumer_workers"`

	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// WSStrictAuth が真の場合、WebSocketのルーム参加に検証済みトークンを必須とする。
	WSStrictAuth bool `mapstructure:"ws_strict_auth"`
	// DedupByEventID が真の場合、同じイベントIDと受信者の通知を重複して保存しない。
	DedupByEventID bool `mapstructure:"notification_dedup_by_event_id"`

	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `mapstructure:"frontend_url"`
	// NotificationURL はGatewayから見た通知サービスのベースURL。
	NotificationURL string `mapstructure:"notification_url"`

	// RateLimitRPS はユーザーごとの1秒あたりのリクエスト上限。
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	// RateLimitBurst はレートリミットのバースト値。
	RateLimitBurst int `mapstructure:"rate_limit_burst"`
}

// defaults は各キーのデフォルト値。環境変数はキーを大文字にした名前で上書きできる。
var defaults = map[string]any{
	"port":                           "8086",
	"database_path":                  "/data/notification.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
	"amqp_url":                       "",
	"amqp_exchange":                  "notifications",
	"amqp_queue":                     "notifications_queue",
	"amqp_routing_key":               "notification.created",
	"consumer_workers":               4,
	"jwt_secret":                     "dev-secret-key",
	"ws_strict_auth":                 false,
	"notification_dedup_by_event_id": false,
	"frontend_url":                   "http://localhost:3000",
	"notification_url":               "http://localhost:8086",
	"rate_limit_rps":                 20.0,
	"rate_limit_burst":               40,
}

// Load は設定を読み込む。
// 優先順位は 環境変数 > path のYAMLファイル > デフォルト値。
// pathが空、またはファイルが存在しない場合はYAMLを読まない。
// defaultPortが空でなければポートのデフォルト値を差し替える。
func Load(path, defaultPort string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if defaultPort != "" {
		v.SetDefault("port", defaultPort)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate は設定値の整合性を検証する。
func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("PORTが空です")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRETが空です")
	}
	if c.ConsumerWorkers < 1 {
		c.ConsumerWorkers = 1
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("レートリミットの設定が不正です: rps=%v, burst=%d", c.RateLimitRPS, c.RateLimitBurst)
	}
	return nil
}

// BrokerEnabled はキューの購読が設定されているかを返す。
func (c *Config) BrokerEnabled() bool {
	return c.AMQPURL != ""
}
