package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию демона
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Exchange ExchangeConfig
	Trading  TradingConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки служебного HTTP сервера (healthz, metrics, events)
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

// ExchangeConfig - биржа и параметры шлюза
type ExchangeConfig struct {
	Name      string // bybit | binance
	APIKey    string
	APISecret string

	// Общее на процесс token bucket ведро
	RateLimit float64 // запросов в секунду
	RateBurst float64

	QueryTimeout time.Duration
	WriteTimeout time.Duration
}

// TradingConfig - торговые пороги и периоды циклов
type TradingConfig struct {
	QuoteCurrency string

	// Пороги входа
	MinFundingRate float64 // минимальная ставка финансирования
	MinVolume24h   float64 // минимальный суточный оборот, quote
	MinSpread      float64 // минимальный спред perp-spot

	// Триггеры выхода
	ExitFundingRate    float64 // порог деградации ставки
	ExitSpread         float64 // порог бэквордации (отрицательный)
	NegativeFRDebounce int     // подряд отрицательных замеров до выхода

	// Лимиты капитала
	MaxOpenPositions int
	NotionalPerEntry float64 // quote на один вход

	// Маржа
	MarginUsageHigh   float64 // порог принудительного снижения
	MarginUsageTarget float64 // целевая загрузка после снижения

	// Периоды циклов
	ScannerPeriod    time.Duration
	GuardianPeriod   time.Duration
	SupervisorPeriod time.Duration
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
			Name:     getEnv("DB_NAME", "fundingarb"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Exchange: ExchangeConfig{
			Name:      getEnv("EXCHANGE", "bybit"),
			APIKey:    getEnv("EXCHANGE_API_KEY", ""),
			APISecret: getEnv("EXCHANGE_API_SECRET", ""),

			RateLimit: getEnvAsFloat("GATEWAY_RATE_LIMIT", 10),
			RateBurst: getEnvAsFloat("GATEWAY_RATE_BURST", 20),

			QueryTimeout: getEnvAsDuration("GATEWAY_QUERY_TIMEOUT", 5*time.Second),
			WriteTimeout: getEnvAsDuration("GATEWAY_WRITE_TIMEOUT", 10*time.Second),
		},
		Trading: TradingConfig{
			QuoteCurrency: getEnv("QUOTE_CURRENCY", "USDT"),

			MinFundingRate: getEnvAsFloat("MIN_FUNDING_RATE", 0.0003),
			MinVolume24h:   getEnvAsFloat("MIN_VOLUME_24H", 10_000_000),
			MinSpread:      getEnvAsFloat("MIN_SPREAD", 0.002),

			ExitFundingRate:    getEnvAsFloat("EXIT_FUNDING_RATE", 0.00005),
			ExitSpread:         getEnvAsFloat("EXIT_SPREAD", -0.01),
			NegativeFRDebounce: getEnvAsInt("NEGATIVE_FR_DEBOUNCE", 3),

			MaxOpenPositions: getEnvAsInt("MAX_OPEN_POSITIONS", 3),
			NotionalPerEntry: getEnvAsFloat("NOTIONAL_PER_ENTRY", 1000),

			MarginUsageHigh:   getEnvAsFloat("MARGIN_USAGE_HIGH", 0.80),
			MarginUsageTarget: getEnvAsFloat("MARGIN_USAGE_TARGET", 0.50),

			ScannerPeriod:    getEnvAsDuration("SCANNER_PERIOD", 60*time.Second),
			GuardianPeriod:   getEnvAsDuration("GUARDIAN_PERIOD", 10*time.Second),
			SupervisorPeriod: getEnvAsDuration("SUPERVISOR_PERIOD", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validateExchange(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EmergencyStopEngaged проверяет аварийный стоп
//
// Читается из окружения каждый раз заново: оператор может выставить
// переменную у работающего процесса, супервизор увидит её на
// следующем тике.
func EmergencyStopEngaged() bool {
	return os.Getenv("EMERGENCY_STOP") == "true"
}

// validateExchange проверяет параметры биржи
func (c *Config) validateExchange() error {
	if c.Exchange.Name == "" {
		return fmt.Errorf("EXCHANGE is required")
	}

	if c.Exchange.APIKey == "" {
		return fmt.Errorf("EXCHANGE_API_KEY is required")
	}

	if c.Exchange.APISecret == "" {
		return fmt.Errorf("EXCHANGE_API_SECRET is required")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Exchange.RateLimit <= 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT must be positive, got %v", c.Exchange.RateLimit)
	}

	if c.Exchange.QueryTimeout <= 0 || c.Exchange.WriteTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be positive, got query=%v write=%v",
			c.Exchange.QueryTimeout, c.Exchange.WriteTimeout)
	}

	// Пороги входа: отрицательная ставка финансирования на входе
	// не имеет смысла для carry
	if c.Trading.MinFundingRate <= 0 {
		return fmt.Errorf("MIN_FUNDING_RATE must be positive, got %v", c.Trading.MinFundingRate)
	}

	if c.Trading.MinVolume24h < 0 {
		return fmt.Errorf("MIN_VOLUME_24H cannot be negative, got %v", c.Trading.MinVolume24h)
	}

	// Выход по бэквордации срабатывает на отрицательном спреде
	if c.Trading.ExitSpread >= 0 {
		return fmt.Errorf("EXIT_SPREAD must be negative, got %v", c.Trading.ExitSpread)
	}

	if c.Trading.NegativeFRDebounce < 1 {
		return fmt.Errorf("NEGATIVE_FR_DEBOUNCE must be at least 1, got %d", c.Trading.NegativeFRDebounce)
	}

	if c.Trading.MaxOpenPositions < 1 {
		return fmt.Errorf("MAX_OPEN_POSITIONS must be at least 1, got %d", c.Trading.MaxOpenPositions)
	}

	if c.Trading.NotionalPerEntry <= 0 {
		return fmt.Errorf("NOTIONAL_PER_ENTRY must be positive, got %v", c.Trading.NotionalPerEntry)
	}

	// Целевая загрузка маржи строго ниже порога снижения
	if c.Trading.MarginUsageHigh <= 0 || c.Trading.MarginUsageHigh >= 1 {
		return fmt.Errorf("MARGIN_USAGE_HIGH must be in (0, 1), got %v", c.Trading.MarginUsageHigh)
	}

	if c.Trading.MarginUsageTarget <= 0 || c.Trading.MarginUsageTarget >= c.Trading.MarginUsageHigh {
		return fmt.Errorf("MARGIN_USAGE_TARGET must be in (0, MARGIN_USAGE_HIGH), got %v", c.Trading.MarginUsageTarget)
	}

	if c.Trading.ScannerPeriod <= 0 || c.Trading.GuardianPeriod <= 0 || c.Trading.SupervisorPeriod <= 0 {
		return fmt.Errorf("cycle periods must be positive, got scanner=%v guardian=%v supervisor=%v",
			c.Trading.ScannerPeriod, c.Trading.GuardianPeriod, c.Trading.SupervisorPeriod)
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
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
