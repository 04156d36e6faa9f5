package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - структурированное логирование на базе zap
//
// Назначение:
// Единая точка инициализации логгера для всего демона.
// Каждый контур (scanner, executor, guardian, supervisor) получает
// дочерний логгер через WithComponent и добавляет свои поля.
//
// Форматы: json (production) и text (console, для разработки).

// LogConfig - конфигурация логгера
type LogConfig struct {
	Level       string // debug, info, warn, error, fatal
	Format      string // json или text
	Development bool   // режим разработки (caller, stacktrace на warn)
	Output      string // путь к файлу; пусто = stderr
}

// Logger - обёртка над zap.Logger с доменными хелперами
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// parseLevel разбирает строковый уровень логирования
// Неизвестный уровень = info
func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// InitLogger создаёт логгер по конфигурации
//
// Никогда не возвращает nil и не паникует: при недоступном файле
// вывода происходит fallback на stderr.
func InitLogger(cfg LogConfig) *Logger {
	level := parseLevel(cfg.Level)

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Development {
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	}

	var encoder zapcore.Encoder
	if strings.ToLower(cfg.Format) == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	// Вывод: файл или stderr (fallback на stderr при ошибке)
	var sink zapcore.WriteSyncer = zapcore.AddSync(os.Stderr)
	if cfg.Output != "" {
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			sink = zapcore.AddSync(file)
		}
	}

	core := zapcore.NewCore(encoder, sink, level)

	opts := []zap.Option{}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddCaller())
	}

	zl := zap.New(core, opts...)

	return &Logger{
		Logger: zl,
		sugar:  zl.Sugar(),
	}
}

// ============================================================
// Глобальный логгер
// ============================================================

// InitGlobalLogger инициализирует и устанавливает глобальный логгер
func InitGlobalLogger(cfg LogConfig) *Logger {
	logger := InitLogger(cfg)
	SetGlobalLogger(logger)
	return logger
}

// SetGlobalLogger устанавливает глобальный логгер
func SetGlobalLogger(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger возвращает глобальный логгер
// Если не инициализирован - создаёт логгер по умолчанию
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	if globalLogger != nil {
		defer globalMu.RUnlock()
		return globalLogger
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = InitLogger(LogConfig{})
	}
	return globalLogger
}

// L - короткий алиас для GetGlobalLogger
func L() *Logger {
	return GetGlobalLogger()
}

// ============================================================
// Методы Logger
// ============================================================

// With возвращает дочерний логгер с дополнительными полями
func (l *Logger) With(fields ...zap.Field) *Logger {
	child := l.Logger.With(fields...)
	return &Logger{
		Logger: child,
		sugar:  child.Sugar(),
	}
}

// WithComponent возвращает логгер с полем component
func (l *Logger) WithComponent(component string) *Logger {
	return l.With(zap.String("component", component))
}

// WithExchange возвращает логгер с полем exchange
func (l *Logger) WithExchange(exchange string) *Logger {
	return l.With(zap.String("exchange", exchange))
}

// WithSymbol возвращает логгер с полем symbol
func (l *Logger) WithSymbol(symbol string) *Logger {
	return l.With(zap.String("symbol", symbol))
}

// WithPositionID возвращает логгер с полем position_id
func (l *Logger) WithPositionID(id string) *Logger {
	return l.With(zap.String("position_id", id))
}

// Sugar возвращает sugared логгер для printf-style логирования
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

// ============================================================
// Глобальные функции логирования
// ============================================================

func Debug(msg string, fields ...zap.Field) { GetGlobalLogger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { GetGlobalLogger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { GetGlobalLogger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { GetGlobalLogger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { GetGlobalLogger().Fatal(msg, fields...) }

func Debugf(format string, args ...interface{}) { GetGlobalLogger().sugar.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { GetGlobalLogger().sugar.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { GetGlobalLogger().sugar.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { GetGlobalLogger().sugar.Errorf(format, args...) }

// fieldsToInterface конвертирует zap.Field в плоский список key/value
// Нужно для передачи полей в sugared API
func fieldsToInterface(fields []zap.Field) []interface{} {
	result := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		result = append(result, f.Key, f.Interface)
	}
	return result
}

// ============================================================
// Доменные конструкторы полей
// ============================================================

func Exchange(name string) zap.Field       { return zap.String("exchange", name) }
func Symbol(symbol string) zap.Field       { return zap.String("symbol", symbol) }
func PositionID(id string) zap.Field       { return zap.String("position_id", id) }
func OrderID(id string) zap.Field          { return zap.String("order_id", id) }
func Price(price float64) zap.Field        { return zap.Float64("price", price) }
func Qty(qty float64) zap.Field            { return zap.Float64("qty", qty) }
func Spread(spread float64) zap.Field      { return zap.Float64("spread", spread) }
func FundingRate(rate float64) zap.Field   { return zap.Float64("funding_rate", rate) }
func PNL(pnl float64) zap.Field            { return zap.Float64("pnl", pnl) }
func Side(side string) zap.Field           { return zap.String("side", side) }
func State(state string) zap.Field         { return zap.String("state", state) }
func Latency(ms float64) zap.Field         { return zap.Float64("latency_ms", ms) }
func Component(component string) zap.Field { return zap.String("component", component) }
func Outcome(outcome string) zap.Field     { return zap.String("outcome", outcome) }

// Переэкспорт стандартных конструкторов zap
// Чтобы вызывающий код не импортировал zap напрямую
func String(key, value string) zap.Field          { return zap.String(key, value) }
func Int(key string, value int) zap.Field         { return zap.Int(key, value) }
func Int64(key string, value int64) zap.Field     { return zap.Int64(key, value) }
func Float64(key string, value float64) zap.Field { return zap.Float64(key, value) }
func Bool(key string, value bool) zap.Field       { return zap.Bool(key, value) }
func Err(err error) zap.Field                     { return zap.Error(err) }
func Any(key string, value interface{}) zap.Field { return zap.Any(key, value) }
