package telemetry

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"fundingarb/pkg/utils"
)

var eventJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub управляет всеми активными websocket-подписчиками
//
// Центральная точка вещания событий демона внешним наблюдателям.
// Отправка никогда не блокирует торговые циклы: переполненный буфер
// медленного подписчика означает его отключение, переполненный
// канал вещания - потерю события.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu  sync.RWMutex
	log *utils.Logger
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        utils.L().WithComponent("telemetry"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("subscriber connected", utils.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("subscriber disconnected", utils.Int("total", total))

		case message := <-h.broadcast:
			// Копируем список под коротким RLock, шлём без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Подписчик не успевает - отключаем
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("dropped slow subscribers",
					utils.Int("removed", len(toRemove)),
					utils.Int("total", total))
			}
		}
	}
}

// publish сериализует событие и кладёт его в канал вещания
//
// Канал полон - событие теряется; телеметрия не имеет права
// тормозить исполнителя или guardian'ов.
func (h *Hub) publish(event interface{}) {
	data, err := eventJSON.Marshal(event)
	if err != nil {
		h.log.Error("event marshal failed", utils.Err(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("telemetry buffer full, event dropped")
	}
}

// Trade вещает событие входа/выхода
func (h *Hub) Trade(e TradeEvent) { h.publish(e) }

// Wallet вещает сводку по счёту
func (h *Hub) Wallet(e WalletEvent) { h.publish(e) }

// Guardian вещает триггер выхода
func (h *Hub) Guardian(e GuardianEvent) { h.publish(e) }

// ClientCount возвращает количество подключенных подписчиков
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CaptureSink накапливает события в памяти
//
// Используется тестами исполнителя и guardian'ов.
type CaptureSink struct {
	mu        sync.Mutex
	trades    []TradeEvent
	wallets   []WalletEvent
	guardians []GuardianEvent
}

func (s *CaptureSink) Trade(e TradeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, e)
}

func (s *CaptureSink) Wallet(e WalletEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets = append(s.wallets, e)
}

func (s *CaptureSink) Guardian(e GuardianEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guardians = append(s.guardians, e)
}

// Trades возвращает копию накопленных trade-событий
func (s *CaptureSink) Trades() []TradeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TradeEvent, len(s.trades))
	copy(out, s.trades)
	return out
}

// Wallets возвращает копию накопленных wallet-событий
func (s *CaptureSink) Wallets() []WalletEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WalletEvent, len(s.wallets))
	copy(out, s.wallets)
	return out
}

// Guardians возвращает копию накопленных guardian-событий
func (s *CaptureSink) Guardians() []GuardianEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GuardianEvent, len(s.guardians))
	copy(out, s.guardians)
	return out
}
