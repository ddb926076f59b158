package api

import (
	"encoding/json"
	"log"
	"sync"

	"broker/internal/models"
)

// SubOrderUpdateMessage - push изменения субордера на дашборд
type SubOrderUpdateMessage struct {
	Type string        `json:"type"`
	Data *subOrderView `json:"data"`
}

// Hub раздаёт fire-and-forget уведомления всем подключённым клиентам
// дашборда. Медленный клиент отбрасывается, а не тормозит остальных.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu sync.RWMutex
}

// NewHub создает hub уведомлений
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run - главный цикл hub'а, запускается в отдельной горутине
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
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
				h.mu.Unlock()
				log.Printf("removed %d slow dashboard clients", len(toRemove))
			}
		}
	}
}

// NotifySubOrder отправляет изменение субордера всем клиентам дашборда.
// Реализует интерфейс уведомлений оркестратора.
func (h *Hub) NotifySubOrder(so *models.SubOrder) {
	h.Broadcast(&SubOrderUpdateMessage{
		Type: "suborderUpdate",
		Data: toSubOrderView(so),
	})
}

// Broadcast сериализует сообщение и рассылает его клиентам
func (h *Hub) Broadcast(message interface{}) {
	raw, err := json.Marshal(message)
	if err != nil {
		log.Printf("marshal broadcast message: %v", err)
		return
	}

	select {
	case h.broadcast <- raw:
	default:
		// Канал переполнен: уведомление fire-and-forget, теряем молча
	}
}

// ClientCount возвращает количество подключённых клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
