package exchange

import (
	"errors"
	"fmt"
)

// errors.go - таксономия ошибок торгового контура
//
// Каждая ошибка биржи классифицируется по Kind. От Kind зависит
// дальнейшая судьба операции: ретрай, отказ до размещения,
// сверка по clientOrderID или эскалация оператору.

// ErrorKind - класс ошибки торговой операции
type ErrorKind int

const (
	// KindTransient - временный сбой (сеть, 429, 5xx). Чтения ретраятся.
	KindTransient ErrorKind = iota

	// KindValidation - запрос не прошёл локальную или биржевую валидацию
	// (неверный шаг количества, неизвестный символ). Ретрай бессмысленен.
	KindValidation

	// KindRejectedPrePlace - биржа отклонила ордер до постановки в матчинг
	// (нехватка баланса, превышение лимитов). Ордера точно нет.
	KindRejectedPrePlace

	// KindAmbiguousWrite - запрос на запись ушёл, ответ не получен.
	// Ордер мог исполниться. Единственный выход - сверка по clientOrderID.
	KindAmbiguousWrite

	// KindLegImbalance - ноги позиции разошлись сильнее одного шага
	// инструмента, требуется подрезка лишнего объёма.
	KindLegImbalance

	// KindManualIntervention - автоматика исчерпана, состояние на бирже
	// неизвестно или противоречиво. Дальше действует оператор.
	KindManualIntervention

	// KindFatal - невосстановимый сбой процесса (конфиг, отозванные ключи)
	KindFatal
)

// String возвращает каноничное имя класса (используется в логах и метриках)
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindValidation:
		return "VALIDATION"
	case KindRejectedPrePlace:
		return "REJECTED_PRE_PLACE"
	case KindAmbiguousWrite:
		return "AMBIGUOUS_WRITE"
	case KindLegImbalance:
		return "LEG_IMBALANCE"
	case KindManualIntervention:
		return "MANUAL_INTERVENTION"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Коды ошибок шлюза (поле Code в ExchangeError)
const (
	CodeInvalidQuantity = "INVALID_QUANTITY" // количество не кратно шагу инструмента
	CodeTimeout         = "TIMEOUT"
	CodeRateLimited     = "RATE_LIMITED"
)

// Sentinel-ошибки для errors.Is
var (
	// ErrOrderNotFound - ордер с данным clientOrderID не найден на бирже.
	// При сверке ambiguous-записи означает что запись не прошла.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInstrumentNotFound - символ не торгуется на данной площадке
	ErrInstrumentNotFound = errors.New("instrument not found")

	// ErrNotConnected - операция вызвана до Connect
	ErrNotConnected = errors.New("exchange is not connected")
)

// ExchangeError - классифицированная ошибка от биржи
type ExchangeError struct {
	Exchange string    // имя биржи
	Kind     ErrorKind // класс ошибки
	Code     string    // код биржи или шлюза
	Message  string
	Original error // исходная ошибка для errors.Is/As
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s/%s]: %s", e.Exchange, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Exchange, e.Kind, e.Message)
}

// Unwrap возвращает исходную ошибку для errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable сообщает pkg/retry можно ли повторять операцию
func (e *ExchangeError) Retryable() bool {
	return e.Kind == KindTransient
}

// Temporary - алиас Retryable для net.Error-подобной классификации
func (e *ExchangeError) Temporary() bool {
	return e.Retryable()
}

// NewError создаёт классифицированную ошибку
func NewError(exchange string, kind ErrorKind, code, message string) *ExchangeError {
	return &ExchangeError{
		Exchange: exchange,
		Kind:     kind,
		Code:     code,
		Message:  message,
	}
}

// WrapError оборачивает ошибку транспорта в классифицированную
func WrapError(exchange string, kind ErrorKind, err error) *ExchangeError {
	if err == nil {
		return nil
	}
	return &ExchangeError{
		Exchange: exchange,
		Kind:     kind,
		Message:  err.Error(),
		Original: err,
	}
}

// KindOf извлекает класс ошибки. Для неклассифицированных ошибок
// возвращает KindTransient: неизвестный сбой чтения безопасно повторить,
// а записи через этот путь не классифицируются.
func KindOf(err error) ErrorKind {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindTransient
}

// IsKind проверяет класс ошибки
func IsKind(err error, kind ErrorKind) bool {
	var ee *ExchangeError
	return errors.As(err, &ee) && ee.Kind == kind
}

// IsAmbiguous - исход записи неизвестен, нужна сверка
func IsAmbiguous(err error) bool {
	return IsKind(err, KindAmbiguousWrite)
}

// IsRejectedPrePlace - ордер отклонён до постановки, на бирже его нет
func IsRejectedPrePlace(err error) bool {
	return IsKind(err, KindRejectedPrePlace)
}
