package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Aggregator AggregatorConfig
	Blockchain BlockchainConfig
	Broker     BrokerConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера (read-only API для дашборда)
type ServerConfig struct {
	Port int
	Host string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	// EncryptionKey - ключ AES-256 для settings store (приватный ключ, API ключи бирж)
	EncryptionKey string

	// EncryptedPrivateKey - приватный ключ брокера, зашифрованный AES-GCM
	// ключом EncryptionKey. Расшифрованный ключ живёт только в памяти.
	EncryptedPrivateKey string
}

// AggregatorConfig - настройки соединения с агрегатором
type AggregatorConfig struct {
	URL string

	// Переподключение: экспоненциальный backoff 2s -> 16s, без лимита попыток
	// (брокер бесполезен без агрегатора)
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// Задержка перед повторной регистрацией после "server disconnect"
	ReregisterDelay time.Duration
}

// BlockchainConfig - настройки blockchain gateway и контракта расчётов
type BlockchainConfig struct {
	GatewayURL      string
	MatcherAddress  string
	ContractAddress string

	// ChainID - идентификатор сети для EIP-712 домена
	ChainID int64

	// GasBuffer - резерв газа, вычитаемый из баланса кошелька при депозите
	// газового актива
	GasBuffer decimal.Decimal
	GasAsset  string
}

// BrokerConfig - настройки оркестратора
type BrokerConfig struct {
	// Периоды reconciliation-циклов
	StatusResendInterval  time.Duration // повторная отправка статусов + проверка открытых трейдов
	BalancePollInterval   time.Duration // опрос балансов бирж
	WithdrawPollInterval  time.Duration // опрос статусов выводов
	TxPollInterval        time.Duration // опрос blockchain-транзакций
	LiabilityScanInterval time.Duration // сканирование liabilities

	// LiabilityGracePeriod - срок, после которого просроченное обязательство
	// покрывается автоматически
	LiabilityGracePeriod time.Duration

	// CallTimeout - таймаут одного вызова коннектора (чтобы зависшая биржа
	// не останавливала весь проход опроса)
	CallTimeout time.Duration

	// Emulator - использовать in-memory эмулятор бирж вместо живых адаптеров
	Emulator bool

	// Exchanges - список подключаемых бирж
	Exchanges []string

	// EmulatorBalances - стартовые балансы эмулятора: "ORN:1000,USDT:5000"
	EmulatorBalances map[string]decimal.Decimal
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvAsInt("SERVER_PORT", 8080),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "broker"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
			EncryptedPrivateKey: getEnv("PRIVATE_KEY_ENCRYPTED", ""),
		},
		Aggregator: AggregatorConfig{
			URL:               getEnv("AGGREGATOR_URL", "wss://aggregator.example.com/broker"),
			ReconnectDelay:    getEnvAsDuration("AGGREGATOR_RECONNECT_DELAY", 2*time.Second),
			MaxReconnectDelay: getEnvAsDuration("AGGREGATOR_MAX_RECONNECT_DELAY", 16*time.Second),
			ReregisterDelay:   getEnvAsDuration("AGGREGATOR_REREGISTER_DELAY", 5*time.Second),
		},
		Blockchain: BlockchainConfig{
			GatewayURL:      getEnv("BLOCKCHAIN_GATEWAY_URL", "http://localhost:3000"),
			MatcherAddress:  getEnv("MATCHER_ADDRESS", ""),
			ContractAddress: getEnv("CONTRACT_ADDRESS", ""),
			ChainID:         int64(getEnvAsInt("CHAIN_ID", 1)),
			GasBuffer:       getEnvAsDecimal("GAS_BUFFER", decimal.RequireFromString("0.05")),
			GasAsset:        getEnv("GAS_ASSET", "ETH"),
		},
		Broker: BrokerConfig{
			StatusResendInterval:  getEnvAsDuration("STATUS_RESEND_INTERVAL", 3*time.Second),
			BalancePollInterval:   getEnvAsDuration("BALANCE_POLL_INTERVAL", 10*time.Second),
			WithdrawPollInterval:  getEnvAsDuration("WITHDRAW_POLL_INTERVAL", 60*time.Second),
			TxPollInterval:        getEnvAsDuration("TX_POLL_INTERVAL", 10*time.Second),
			LiabilityScanInterval: getEnvAsDuration("LIABILITY_SCAN_INTERVAL", 5*time.Minute),
			LiabilityGracePeriod:  getEnvAsDuration("LIABILITY_GRACE_PERIOD", 1*time.Hour),
			CallTimeout:           getEnvAsDuration("CONNECTOR_CALL_TIMEOUT", 10*time.Second),
			Emulator:              getEnvAsBool("EMULATOR", false),
			Exchanges:             getEnvAsList("EXCHANGES", []string{"bitmax"}),
			EmulatorBalances:      getEnvAsBalances("EMULATOR_BALANCES"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет критичные параметры
func (c *Config) validate() error {
	// ENCRYPTION_KEY обязателен: в settings store лежит приватный ключ брокера
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for the encrypted settings store")
	}
	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}
	if c.Security.EncryptedPrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY_ENCRYPTED is required to sign orders and register with the aggregator")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if !strings.HasPrefix(c.Aggregator.URL, "ws://") && !strings.HasPrefix(c.Aggregator.URL, "wss://") {
		return fmt.Errorf("AGGREGATOR_URL must be a ws:// or wss:// URL, got %q", c.Aggregator.URL)
	}

	if c.Broker.CallTimeout <= 0 {
		return fmt.Errorf("CONNECTOR_CALL_TIMEOUT must be positive, got %v", c.Broker.CallTimeout)
	}
	if c.Broker.LiabilityGracePeriod < 0 {
		return fmt.Errorf("LIABILITY_GRACE_PERIOD cannot be negative, got %v", c.Broker.LiabilityGracePeriod)
	}
	if len(c.Broker.Exchanges) == 0 {
		return fmt.Errorf("EXCHANGES cannot be empty")
	}

	if c.Blockchain.GasBuffer.IsNegative() {
		return fmt.Errorf("GAS_BUFFER cannot be negative, got %s", c.Blockchain.GasBuffer)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvAsBalances парсит "ORN:1000,USDT:5000" в map валюта->количество
func getEnvAsBalances(key string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return out
	}
	for _, part := range strings.Split(valueStr, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			continue
		}
		amount, err := decimal.NewFromString(kv[1])
		if err != nil {
			continue
		}
		out[strings.ToUpper(kv[0])] = amount
	}
	return out
}
