package emqtt

import (
	"fmt"
	"time"

	"github.com/roadrunner-server/errors"
	"github.com/spf13/viper"
)

// ServerConfig is the SMTP listener configuration
type ServerConfig struct {
	// Port: TCP port to listen on (0 picks a free port)
	Port int `mapstructure:"port" json:"port"`

	// Host: Interface to bind
	Host string `mapstructure:"host" json:"host"`

	// Hostname: Server hostname returned in EHLO response
	Hostname string `mapstructure:"hostname" json:"hostname"`

	// ReadTimeout: Maximum time to wait for client command
	ReadTimeout time.Duration `mapstructure:"read_timeout" json:"read_timeout"`

	// WriteTimeout: Maximum time to wait for server response write
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`

	// MaxMessageSize: Maximum email size in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" json:"max_message_size"`

	// MaxRecipients: Maximum number of RCPT TO commands per transaction
	MaxRecipients int `mapstructure:"max_recipients" json:"max_recipients"`
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MQTTConfig describes the broker and what gets published
type MQTTConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"-"`

	// Topic: base topic, the sender is appended as the last level
	Topic string `mapstructure:"topic" json:"topic"`

	// Payload: published when a message arrives
	Payload string `mapstructure:"payload" json:"payload"`

	// ResetPayload: published once ResetTime passed without new messages
	ResetPayload string `mapstructure:"reset_payload" json:"reset_payload"`

	// ResetTime: seconds, 0 disables resets
	ResetTime int `mapstructure:"reset_time" json:"reset_time"`

	// Timeout: upper bound for a single publish
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`

	// ClientIDPrefix: prefix of the per-publish client id
	ClientIDPrefix string `mapstructure:"client_id_prefix" json:"client_id_prefix"`
}

// ResetDelay returns ResetTime as a duration
func (m *MQTTConfig) ResetDelay() time.Duration {
	return time.Duration(m.ResetTime) * time.Second
}

// AttachmentStorage defines how email attachments are handled
type AttachmentStorage struct {
	// Save: Write image attachments to Dir
	Save bool `mapstructure:"save" json:"save"`

	// SaveDuringResetTime: Also save attachments of messages arriving while
	// the topic is still active
	SaveDuringResetTime bool `mapstructure:"save_during_reset_time" json:"save_during_reset_time"`

	// Dir: Output directory
	Dir string `mapstructure:"dir" json:"dir"`

	// CleanupAfter: Files older than this are removed (0 keeps them forever)
	CleanupAfter time.Duration `mapstructure:"cleanup_after" json:"cleanup_after"`
}

// Config holds the complete configuration. It is never mutated after InitDefault.
type Config struct {
	SMTP *ServerConfig `mapstructure:"smtp" json:"smtp"`

	MQTT *MQTTConfig `mapstructure:"mqtt" json:"mqtt"`

	Attachments *AttachmentStorage `mapstructure:"attachments" json:"attachments"`

	// Debug: log at debug level
	Debug bool `mapstructure:"debug" json:"debug"`

	// LogDir: when this directory exists the log is also written to LogDir/emqtt.log
	LogDir string `mapstructure:"log_dir" json:"log_dir"`
}

// setting binds a configuration key to its environment variable
type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"smtp.port", "SMTP_PORT", 1025},
	{"smtp.host", "SMTP_HOST", "0.0.0.0"},
	{"smtp.hostname", "SMTP_HOSTNAME", "emqtt.local"},
	{"smtp.read_timeout", "SMTP_READ_TIMEOUT", "60s"},
	{"smtp.write_timeout", "SMTP_WRITE_TIMEOUT", "10s"},
	{"smtp.max_message_size", "SMTP_MAX_MESSAGE_SIZE", 10 * 1024 * 1024},
	{"smtp.max_recipients", "SMTP_MAX_RECIPIENTS", 100},

	{"mqtt.host", "MQTT_HOST", "localhost"},
	{"mqtt.port", "MQTT_PORT", 1883},
	{"mqtt.username", "MQTT_USERNAME", ""},
	{"mqtt.password", "MQTT_PASSWORD", ""},
	{"mqtt.topic", "MQTT_TOPIC", "emqtt"},
	{"mqtt.payload", "MQTT_PAYLOAD", "ON"},
	{"mqtt.reset_payload", "MQTT_RESET_PAYLOAD", "OFF"},
	{"mqtt.reset_time", "MQTT_RESET_TIME", 300},
	{"mqtt.timeout", "MQTT_TIMEOUT", "10s"},
	{"mqtt.client_id_prefix", "MQTT_CLIENT_ID_PREFIX", "emqtt"},

	{"attachments.save", "SAVE_ATTACHMENTS", true},
	{"attachments.save_during_reset_time", "SAVE_ATTACHMENTS_DURING_RESET_TIME", false},
	{"attachments.dir", "ATTACHMENTS_DIR", "attachments"},
	{"attachments.cleanup_after", "ATTACHMENTS_CLEANUP_AFTER", "0s"},

	{"debug", "DEBUG", false},
	{"log_dir", "LOG_DIR", "log"},
}

// LoadConfig reads the configuration from the environment, on top of the
// optional config file at path, and validates it.
func LoadConfig(path string) (*Config, error) {
	const op = errors.Op("config_load")

	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		err := v.BindEnv(s.key, s.env)
		if err != nil {
			return nil, errors.E(op, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		err := v.ReadInConfig()
		if err != nil {
			return nil, errors.E(op, errors.Errorf("failed to read config file: %v", err))
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.E(op, errors.Errorf("invalid configuration: %v", err))
	}

	err = cfg.InitDefault()
	if err != nil {
		return nil, errors.E(op, err)
	}

	return cfg, nil
}

// InitDefault validates configuration and sets defaults
func (c *Config) InitDefault() error {
	const op = errors.Op("config_init_default")

	if c.SMTP == nil {
		c.SMTP = &ServerConfig{}
	}
	if c.MQTT == nil {
		c.MQTT = &MQTTConfig{}
	}
	if c.Attachments == nil {
		c.Attachments = &AttachmentStorage{}
	}

	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return errors.E(op, errors.Errorf("invalid SMTP port: %d", c.SMTP.Port))
	}

	// Default hostname
	if c.SMTP.Hostname == "" {
		c.SMTP.Hostname = "emqtt.local"
	}

	// Default timeouts
	if c.SMTP.ReadTimeout == 0 {
		c.SMTP.ReadTimeout = 60 * time.Second
	}

	if c.SMTP.WriteTimeout == 0 {
		c.SMTP.WriteTimeout = 10 * time.Second
	}

	// Default max message size: 10MB
	if c.SMTP.MaxMessageSize <= 0 {
		c.SMTP.MaxMessageSize = 10 * 1024 * 1024
	}

	// Default max recipients
	if c.SMTP.MaxRecipients <= 0 {
		c.SMTP.MaxRecipients = 100
	}

	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}

	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return errors.E(op, errors.Errorf("invalid MQTT port: %d", c.MQTT.Port))
	}

	if c.MQTT.Topic == "" {
		return errors.E(op, errors.Str("empty MQTT topic"))
	}

	if c.MQTT.ResetTime < 0 {
		return errors.E(op, errors.Errorf("negative reset time: %d", c.MQTT.ResetTime))
	}

	if c.MQTT.Timeout <= 0 {
		c.MQTT.Timeout = 10 * time.Second
	}

	if c.Attachments.Dir == "" {
		c.Attachments.Dir = "attachments"
	}

	if c.Attachments.CleanupAfter < 0 {
		return errors.E(op, errors.Errorf("negative attachment cleanup age: %s", c.Attachments.CleanupAfter))
	}

	return nil
}
