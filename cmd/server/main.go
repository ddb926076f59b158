package main

import (
	"context"
	"database/sql"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"broker/internal/aggregator"
	"broker/internal/api"
	"broker/internal/blockchain"
	"broker/internal/broker"
	"broker/internal/config"
	"broker/internal/connector"
	"broker/internal/repository"
	"broker/pkg/crypto"
	"broker/pkg/logger"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		stdlog.Fatalf("Failed to init logger: %v", err)
	}
	defer log.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal("database connection failed",
			zap.String("dsn", cfg.Database.DSNWithoutPassword()),
			zap.Error(err))
	}
	defer db.Close()

	if err := repository.CreateSchema(db); err != nil {
		log.Fatal("schema migration failed", zap.Error(err))
	}
	log.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Приватный ключ хранится зашифрованным, расшифрованный живёт только
	// в памяти подписанта и в логи не попадает
	privateKeyHex, err := crypto.Decrypt(cfg.Security.EncryptedPrivateKey, []byte(cfg.Security.EncryptionKey))
	if err != nil {
		log.Fatal("private key decryption failed", zap.Error(err))
	}

	signer, err := blockchain.NewSigner(privateKeyHex, cfg.Blockchain.ChainID)
	if err != nil {
		log.Fatal("signer init failed", zap.Error(err))
	}

	chain := blockchain.NewClient(
		cfg.Blockchain.GatewayURL,
		cfg.Blockchain.MatcherAddress,
		signer,
		connector.GetGlobalHTTPClient(),
	)
	log.Info("blockchain client ready", zap.String("address", chain.Address()))

	// Репозитории
	stores := broker.Stores{
		SubOrders:    repository.NewSubOrderRepository(db),
		Trades:       repository.NewTradeRepository(db),
		Transactions: repository.NewTransactionRepository(db),
		Withdraws:    repository.NewWithdrawRepository(db),
	}

	// Оркестратор и биржевые коннекторы
	registry := connector.NewRegistry(cfg.Broker.CallTimeout)
	brk := broker.New(cfg, stores, registry, chain, log)

	connectExchanges(cfg, brk, log)

	// Клиент агрегатора. Blockchain-клиент выступает credentials:
	// регистрационный handshake подписывается ключом брокера.
	aggCfg := aggregator.DefaultConfig(cfg.Aggregator.URL)
	aggCfg.ReconnectDelay = cfg.Aggregator.ReconnectDelay
	aggCfg.MaxReconnectDelay = cfg.Aggregator.MaxReconnectDelay
	aggCfg.ReregisterDelay = cfg.Aggregator.ReregisterDelay

	agg := aggregator.NewClient(aggCfg, chain, brk, log)
	agg.SetOnRegistered(brk.OnRegistered)
	brk.SetAggregator(agg)

	// WebSocket hub дашборда
	hub := api.NewHub()
	go hub.Run()
	brk.SetNotifier(hub)

	// HTTP роутер терминала оператора
	handler := api.NewHandler(stores.SubOrders, brk)
	router := api.SetupRoutes(handler, hub)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	brk.Start()
	agg.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	if err := agg.Close(); err != nil {
		log.Warn("aggregator close failed", zap.Error(err))
	}
	brk.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	connector.CloseGlobalClient()
	log.Info("server exited")
}

// connectExchanges подключает биржи из конфигурации.
// В режиме эмулятора живые адаптеры не создаются. Для живой биржи ключи
// берутся из EXCHANGE_<NAME>_BASE_URL / _API_KEY / _SECRET_KEY; биржа без
// ключей пропускается, оператор может подключить её позже через API.
func connectExchanges(cfg *config.Config, brk *broker.Broker, log *zap.Logger) {
	for _, name := range cfg.Broker.Exchanges {
		if cfg.Broker.Emulator {
			brk.ConnectEmulator(name)
			continue
		}

		prefix := "EXCHANGE_" + strings.ToUpper(name)
		baseURL := os.Getenv(prefix + "_BASE_URL")
		apiKey := os.Getenv(prefix + "_API_KEY")
		secretKey := os.Getenv(prefix + "_SECRET_KEY")
		if baseURL == "" || apiKey == "" || secretKey == "" {
			log.Warn("exchange credentials missing, skipping",
				zap.String("exchange", name),
				zap.String("env_prefix", prefix))
			continue
		}
		brk.ConnectExchange(name, baseURL, apiKey, secretKey)
	}
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
