package aggregator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ошибки клиента
var (
	ErrNotConnected  = errors.New("aggregator: not connected")
	ErrNotRegistered = errors.New("aggregator: not registered")
	ErrClosed        = errors.New("aggregator: client closed")
)

// Config конфигурация подключения к агрегатору
type Config struct {
	// URL агрегатора (ws:// или wss://)
	URL string
	// Начальная задержка переподключения
	ReconnectDelay time.Duration
	// Потолок экспоненциального backoff
	MaxReconnectDelay time.Duration
	// Пауза перед повторной регистрацией после "server disconnect"
	ReregisterDelay time.Duration
	// Таймаут установки соединения
	ConnectTimeout time.Duration
	// Интервал ping
	PingInterval time.Duration
	// Таймаут записи (включая pong)
	WriteTimeout time.Duration
}

// DefaultConfig - переподключение 2s, 4s, 8s, 16s, 16s, ...
// Количество попыток не ограничено: без агрегатора брокер бесполезен,
// сдаваться некуда.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: 16 * time.Second,
		ReregisterDelay:   5 * time.Second,
		ConnectTimeout:    10 * time.Second,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// ConnectionState состояние соединения с агрегатором
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Credentials - данные брокера для регистрационного handshake
type Credentials interface {
	Address() string
	PublicKey() string
	SignRegistration(timestamp int64) (string, error)
}

// Handler обрабатывает входящие сообщения агрегатора.
// Возврат nil вместо статуса означает "ответ не отправлять".
type Handler interface {
	OnSubOrder(req SubOrderRequest) *SubOrderStatusMessage
	OnCancelSubOrder(id int64) *SubOrderStatusMessage
	OnCheckSubOrder(id int64) *SubOrderStatusMessage
	OnStatusAccepted(msg StatusAcceptedMessage)
}

// Client - websocket-клиент протокола агрегатора
//
// Держит одно соединение с автоматическим переподключением (exponential
// backoff с потолком) и повторной регистрацией. После close-сообщения
// "server disconnect" регистрируется заново через ReregisterDelay.
//
// Ошибка обработчика не роняет соединение: dispatch ловит панику и
// логирует её, агрегатору внутренние ошибки не пересылаются.
type Client struct {
	cfg     Config
	creds   Credentials
	handler Handler
	log     *zap.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	state      int32 // atomic ConnectionState
	registered int32 // atomic bool

	// вызывается после register_accepted (повторная отправка статусов, push балансов)
	onRegistered func()
	callbackMu   sync.RWMutex

	closeChan chan struct{}
	closeOnce sync.Once
}

// NewClient создает клиент агрегатора
func NewClient(cfg Config, creds Credentials, handler Handler, log *zap.Logger) *Client {
	return &Client{
		cfg:       cfg,
		creds:     creds,
		handler:   handler,
		log:       log.Named("aggregator"),
		closeChan: make(chan struct{}),
	}
}

// SetOnRegistered устанавливает callback успешной регистрации
func (c *Client) SetOnRegistered(cb func()) {
	c.callbackMu.Lock()
	c.onRegistered = cb
	c.callbackMu.Unlock()
}

// State возвращает текущее состояние соединения
func (c *Client) State() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// IsRegistered - прошла ли регистрация на текущем соединении
func (c *Client) IsRegistered() bool {
	return atomic.LoadInt32(&c.registered) == 1
}

// Start запускает цикл соединения в фоне
func (c *Client) Start() {
	go c.runLoop()
}

// runLoop - главный цикл: подключение, регистрация, чтение, переподключение
func (c *Client) runLoop() {
	delay := c.cfg.ReconnectDelay

	for {
		select {
		case <-c.closeChan:
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(StateConnecting))

		conn, err := c.dial()
		if err != nil {
			c.log.Warn("connect failed",
				zap.String("url", c.cfg.URL),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			atomic.StoreInt32(&c.state, int32(StateReconnecting))
			if !c.sleep(delay) {
				return
			}
			delay = c.nextDelay(delay)
			continue
		}

		c.setConn(conn)
		atomic.StoreInt32(&c.state, int32(StateConnected))
		delay = c.cfg.ReconnectDelay
		c.log.Info("connected", zap.String("url", c.cfg.URL))

		if err := c.register(); err != nil {
			c.log.Error("register failed", zap.Error(err))
			c.teardown(conn)
			if !c.sleep(delay) {
				return
			}
			delay = c.nextDelay(delay)
			continue
		}

		done := make(chan struct{})
		go c.pingLoop(conn, done)

		readErr := c.readLoop(conn)
		close(done)
		c.teardown(conn)
		atomic.StoreInt32(&c.registered, 0)

		select {
		case <-c.closeChan:
			return
		default:
		}

		atomic.StoreInt32(&c.state, int32(StateReconnecting))

		if isServerDisconnect(readErr) {
			// Агрегатор попрощался сам: это не сбой, регистрируемся заново
			// после фиксированной паузы
			c.log.Info("server requested disconnect, re-registering",
				zap.Duration("delay", c.cfg.ReregisterDelay))
			if !c.sleep(c.cfg.ReregisterDelay) {
				return
			}
			continue
		}

		c.log.Warn("connection lost",
			zap.Duration("retry_in", delay),
			zap.Error(readErr))
		if !c.sleep(delay) {
			return
		}
		delay = c.nextDelay(delay)
	}
}

// dial устанавливает websocket-соединение
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close()
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

// register отправляет регистрационное сообщение.
// Регистрация считается завершённой после register_accepted.
func (c *Client) register() error {
	timestamp := time.Now().UnixMilli()
	signature, err := c.creds.SignRegistration(timestamp)
	if err != nil {
		return fmt.Errorf("sign registration: %w", err)
	}

	return c.write(&RegisterMessage{
		Type:      MsgRegister,
		Address:   c.creds.Address(),
		PublicKey: c.creds.PublicKey(),
		Timestamp: timestamp,
		Signature: signature,
	})
}

// readLoop читает сообщения до разрыва соединения
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

// pingLoop держит соединение живым
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.closeChan:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// readLoop заметит разрыв и запустит переподключение
				return
			}
		}
	}
}

// dispatch разбирает входящее сообщение и зовёт обработчик.
// Паника обработчика гасится: одно кривое сообщение не должно ронять
// соединение с агрегатором.
func (c *Client) dispatch(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", zap.Any("panic", r), zap.ByteString("message", raw))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("bad message", zap.Error(err))
		return
	}

	switch env.Type {
	case MsgRegisterAccepted:
		atomic.StoreInt32(&c.registered, 1)
		c.log.Info("registration accepted")
		c.callbackMu.RLock()
		cb := c.onRegistered
		c.callbackMu.RUnlock()
		if cb != nil {
			cb()
		}

	case MsgSubOrder:
		var req SubOrderRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("bad suborder message", zap.Error(err))
			return
		}
		c.reply(c.handler.OnSubOrder(req))

	case MsgCancelSubOrder:
		var req CancelSubOrderRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("bad cancel message", zap.Error(err))
			return
		}
		c.reply(c.handler.OnCancelSubOrder(req.ID))

	case MsgCheckSubOrder:
		var req CheckSubOrderRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.log.Warn("bad check message", zap.Error(err))
			return
		}
		c.reply(c.handler.OnCheckSubOrder(req.ID))

	case MsgSubOrderStatusAccepted:
		var msg StatusAcceptedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("bad status_accepted message", zap.Error(err))
			return
		}
		c.handler.OnStatusAccepted(msg)

	default:
		c.log.Debug("unknown message type", zap.String("type", env.Type))
	}
}

func (c *Client) reply(msg *SubOrderStatusMessage) {
	if msg == nil {
		return
	}
	if err := c.write(msg); err != nil {
		c.log.Warn("send status failed", zap.Int64("suborder_id", msg.ID), zap.Error(err))
	}
}

// SendStatus отправляет отчёт о статусе субордера
func (c *Client) SendStatus(msg *SubOrderStatusMessage) error {
	if !c.IsRegistered() {
		return ErrNotRegistered
	}
	return c.write(msg)
}

// SendBalances отправляет push балансов
func (c *Client) SendBalances(msg *BalancesMessage) error {
	if !c.IsRegistered() {
		return ErrNotRegistered
	}
	return c.write(msg)
}

// write сериализует и пишет сообщение в соединение
func (c *Client) write(msg interface{}) error {
	select {
	case <-c.closeChan:
		return ErrClosed
	default:
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// sleep ждёт delay или закрытие клиента; false = клиент закрыт
func (c *Client) sleep(delay time.Duration) bool {
	select {
	case <-c.closeChan:
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > c.cfg.MaxReconnectDelay {
		delay = c.cfg.MaxReconnectDelay
	}
	return delay
}

// Close останавливает клиент и закрывает соединение
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeChan)
	})
	atomic.StoreInt32(&c.state, int32(StateClosed))

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// isServerDisconnect - агрегатор закрыл соединение со штатной причиной
func isServerDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Text == ServerDisconnectReason
	}
	return false
}
