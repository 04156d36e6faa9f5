package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fundingarb/pkg/utils"
)

// ws_stream.go - WebSocket поток рыночных данных с автопереподключением
//
// REST-опрос guardian'а идёт раз в 10 секунд; между опросами поток
// подкармливает свежие тикеры, чтобы выход по бэквордации не ждал
// следующего тика. Потеря потока не фатальна: REST остаётся
// источником истины.

// StreamConfig - конфигурация переподключения потока
type StreamConfig struct {
	InitialDelay   time.Duration // первая пауза перед реконнектом
	MaxDelay       time.Duration // потолок exponential backoff
	MaxRetries     int           // 0 = без лимита
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию (2s, 4s, 8s, 16s)
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0, // поток живёт столько же, сколько процесс
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		PongTimeout:    10 * time.Second,
	}
}

// Состояния соединения
type streamState int32

const (
	streamDisconnected streamState = iota
	streamConnecting
	streamConnected
	streamReconnecting
	streamClosed
)

func (s streamState) String() string {
	switch s {
	case streamDisconnected:
		return "disconnected"
	case streamConnecting:
		return "connecting"
	case streamConnected:
		return "connected"
	case streamReconnecting:
		return "reconnecting"
	case streamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stream управляет одним WebSocket соединением с биржей
//
// При разрыве переподключается с exponential backoff и восстанавливает
// все накопленные подписки. Потокобезопасен.
type Stream struct {
	name   string // для логов: "bybit-linear", "bybit-spot"
	wsURL  string
	config StreamConfig
	log    *utils.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex

	state      int32 // atomic streamState
	retryCount int32 // atomic

	closeChan chan struct{}
	closeOnce sync.Once

	onMessage  func([]byte)
	callbackMu sync.RWMutex

	// Подписки повторяются после каждого реконнекта
	subscriptions   []interface{}
	subscriptionsMu sync.Mutex
}

// NewStream создаёт поток; соединение устанавливает Connect
func NewStream(name, wsURL string, config StreamConfig) *Stream {
	return &Stream{
		name:      name,
		wsURL:     wsURL,
		config:    config,
		log:       utils.L().WithComponent("ws-stream").With(utils.String("stream", name)),
		closeChan: make(chan struct{}),
	}
}

// SetOnMessage устанавливает обработчик входящих сообщений
// Обработчик вызывается из горутины чтения и не должен блокироваться
func (s *Stream) SetOnMessage(handler func([]byte)) {
	s.callbackMu.Lock()
	s.onMessage = handler
	s.callbackMu.Unlock()
}

// Subscribe отправляет подписку и запоминает её для реконнекта
func (s *Stream) Subscribe(msg interface{}) error {
	s.subscriptionsMu.Lock()
	s.subscriptions = append(s.subscriptions, msg)
	s.subscriptionsMu.Unlock()

	if s.getState() != streamConnected {
		// Подписка уйдёт при следующем подключении
		return nil
	}
	return s.send(msg)
}

// IsConnected проверяет установлено ли соединение
func (s *Stream) IsConnected() bool {
	return s.getState() == streamConnected
}

func (s *Stream) getState() streamState {
	return streamState(atomic.LoadInt32(&s.state))
}

// Connect устанавливает соединение и запускает чтение
func (s *Stream) Connect() error {
	select {
	case <-s.closeChan:
		return fmt.Errorf("stream %s is closed", s.name)
	default:
	}

	atomic.StoreInt32(&s.state, int32(streamConnecting))

	if err := s.dial(); err != nil {
		atomic.StoreInt32(&s.state, int32(streamDisconnected))
		return err
	}

	atomic.StoreInt32(&s.state, int32(streamConnected))
	atomic.StoreInt32(&s.retryCount, 0)

	go s.readPump()
	go s.pingPump()

	s.log.Info("websocket connected", utils.String("url", s.wsURL))
	return nil
}

func (s *Stream) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.name, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.resubscribe(); err != nil {
		s.log.Warn("resubscribe failed", utils.Err(err))
		// Не фатально: подписки уйдут после следующего реконнекта
	}
	return nil
}

func (s *Stream) resubscribe() error {
	s.subscriptionsMu.Lock()
	subs := make([]interface{}, len(s.subscriptions))
	copy(subs, s.subscriptions)
	s.subscriptionsMu.Unlock()

	for _, sub := range subs {
		if err := s.send(sub); err != nil {
			return err
		}
	}

	if len(subs) > 0 {
		s.log.Debug("resubscribed", utils.Int("channels", len(subs)))
	}
	return nil
}

func (s *Stream) send(msg interface{}) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("stream %s: no connection", s.name)
	}
	return conn.WriteJSON(msg)
}

// readPump читает сообщения до разрыва соединения
func (s *Stream) readPump() {
	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		s.callbackMu.RLock()
		onMessage := s.onMessage
		s.callbackMu.RUnlock()

		if onMessage != nil {
			onMessage(message)
		}
	}
}

// pingPump держит соединение живым
func (s *Stream) pingPump() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			if s.getState() != streamConnected {
				return
			}

			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(s.config.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.handleDisconnect(err)
				return
			}
		}
	}
}

func (s *Stream) handleDisconnect(err error) {
	select {
	case <-s.closeChan:
		return
	default:
	}

	// Разрыв обрабатываем один раз
	state := s.getState()
	if state == streamReconnecting || state == streamClosed {
		return
	}
	atomic.StoreInt32(&s.state, int32(streamReconnecting))

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	if err != nil {
		s.log.Warn("websocket disconnected", utils.Err(err))
	}

	go s.reconnectLoop()
}

func (s *Stream) reconnectLoop() {
	delay := s.config.InitialDelay

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		retry := atomic.AddInt32(&s.retryCount, 1)
		if s.config.MaxRetries > 0 && int(retry) > s.config.MaxRetries {
			s.log.Error("reconnect attempts exhausted", utils.Int("attempts", s.config.MaxRetries))
			atomic.StoreInt32(&s.state, int32(streamDisconnected))
			return
		}

		s.log.Info("reconnecting",
			utils.String("delay", delay.String()),
			utils.Int("attempt", int(retry)))

		select {
		case <-s.closeChan:
			return
		case <-time.After(delay):
		}

		if err := s.dial(); err != nil {
			s.log.Warn("reconnect failed", utils.Err(err))
			delay *= 2
			if delay > s.config.MaxDelay {
				delay = s.config.MaxDelay
			}
			continue
		}

		atomic.StoreInt32(&s.state, int32(streamConnected))
		atomic.StoreInt32(&s.retryCount, 0)

		go s.readPump()
		go s.pingPump()

		s.log.Info("websocket reconnected")
		return
	}
}

// Close закрывает поток и останавливает переподключение
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closeChan) })
	atomic.StoreInt32(&s.state, int32(streamClosed))

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
