package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"broker/internal/api/middleware"
)

// SetupRoutes настраивает HTTP маршруты терминала оператора
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /suborders/
//	│   ├── GET / - все субордера
//	│   ├── GET /open - нетерминальные субордера
//	│   └── GET /{exchange}/{orderId} - субордер по биржевому ордеру
//	├── /balances/
//	│   └── GET / - кэш балансов бирж
//	├── /exchanges/
//	│   ├── GET / - список подключённых бирж
//	│   ├── POST /{name}/connect - подключить биржу или эмулятор
//	│   └── DELETE /{name}/connect - отключить биржу
//	└── /contract/
//	    ├── POST /deposit - депозит на контракт
//	    ├── POST /withdraw - вывод с контракта
//	    ├── POST /approve - approve актива
//	    ├── POST /stake/lock - блокировка стейка
//	    └── POST /stake/release - запрос разблокировки стейка
//
// /ws/stream - WebSocket с push-обновлениями субордеров
// /metrics - Prometheus метрики
// /health - health check
func SetupRoutes(h *Handler, hub *Hub) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	api := router.PathPrefix("/api/v1").Subrouter()

	// SubOrder routes
	api.HandleFunc("/suborders", h.GetSubOrders).Methods("GET")
	api.HandleFunc("/suborders/open", h.GetOpenSubOrders).Methods("GET")
	api.HandleFunc("/suborders/{exchange}/{orderId}", h.GetSubOrderByExchangeOrder).Methods("GET")

	// Balance routes
	api.HandleFunc("/balances", h.GetBalances).Methods("GET")

	// Exchange routes
	api.HandleFunc("/exchanges", h.GetExchanges).Methods("GET")
	api.HandleFunc("/exchanges/{name}/connect", h.ConnectExchange).Methods("POST")
	api.HandleFunc("/exchanges/{name}/connect", h.DisconnectExchange).Methods("DELETE")

	// Contract routes
	api.HandleFunc("/contract/deposit", h.Deposit).Methods("POST")
	api.HandleFunc("/contract/withdraw", h.Withdraw).Methods("POST")
	api.HandleFunc("/contract/approve", h.Approve).Methods("POST")
	api.HandleFunc("/contract/stake/lock", h.LockStake).Methods("POST")
	api.HandleFunc("/contract/stake/release", h.RequestReleaseStake).Methods("POST")

	// WebSocket route
	router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
		ServeWS(hub, w, r)
	})

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
