package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradelink/event"
	"tradelink/logger"
	"tradelink/metrics"
)

// ErrNotConnected 会话尚未建立连接
var ErrNotConnected = errors.New("session not connected")

// State 会话状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateLive
	StateReconnecting
	StateClosed
)

// String 返回状态的字符串表示
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn 底层连接抽象（gorilla conn 直接满足该接口）
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer 拨号接口
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer 基于 gorilla/websocket 的默认拨号实现
type GorillaDialer struct{}

func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Hooks 交易所相关的会话回调
type Hooks struct {
	// OnOpen 连接建立后调用（私有流在这里认证），返回错误触发重连
	OnOpen func(s *Session) error
	// Subscribe 发送订阅请求，连接建立和重连后都会以全量主题调用
	Subscribe func(s *Session, topics []string) error
	// Unsubscribe 发送退订请求，只在主题确实被移除时调用
	Unsubscribe func(s *Session, topics []string) error
	// OnMessage 收到非 pong 消息
	OnMessage func(msg []byte)
	// Ping 发送保活消息
	Ping func(s *Session) error
	// IsPong 判断消息是否为 pong 应答
	IsPong func(msg []byte) bool
}

// Options 会话配置
type Options struct {
	Exchange     string
	StreamType   string // 指标标签，如 "public_linear"、"private"
	URL          string
	PingInterval time.Duration // 默认 20s
	Dialer       Dialer
	Bus          *event.EventBus
	Hooks        Hooks
}

// Session 自动重连的 WebSocket 会话
// 保活失败（连续两个 ping 周期无 pong）或读取错误都会触发重连，
// 重连成功后重放全量订阅
type Session struct {
	opts  Options
	state atomic.Int32
	pm    *metrics.PrometheusMetrics

	mu       sync.Mutex // 保护 conn 写入和 topics
	conn     Conn
	topics   map[string]bool
	lastPong atomic.Int64 // UnixNano

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession 创建会话
func NewSession(opts Options) *Session {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 20 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &GorillaDialer{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		opts:   opts,
		pm:     metrics.GetPrometheusMetrics(),
		topics: make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// State 当前状态
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.pm.SetWebSocketStatus(s.opts.Exchange, s.opts.StreamType, st == StateLive)
}

// Subscribe 登记主题并在已连接时发送订阅请求
// 已登记的主题会被跳过，重复调用安全
func (s *Session) Subscribe(topics ...string) error {
	s.mu.Lock()
	var added []string
	for _, t := range topics {
		if !s.topics[t] {
			s.topics[t] = true
			added = append(added, t)
		}
	}
	live := s.State() == StateLive && s.conn != nil
	s.mu.Unlock()

	if len(added) == 0 || !live || s.opts.Hooks.Subscribe == nil {
		return nil
	}
	return s.opts.Hooks.Subscribe(s, added)
}

// Unsubscribe 移除主题登记并向交易所发送退订
// 对从未订阅过的主题调用是安全的（不发送任何消息）
func (s *Session) Unsubscribe(topics ...string) error {
	s.mu.Lock()
	var removed []string
	for _, t := range topics {
		if s.topics[t] {
			delete(s.topics, t)
			removed = append(removed, t)
		}
	}
	live := s.State() == StateLive && s.conn != nil
	s.mu.Unlock()

	if len(removed) == 0 || !live || s.opts.Hooks.Unsubscribe == nil {
		return nil
	}
	return s.opts.Hooks.Unsubscribe(s, removed)
}

// Topics 返回已登记主题
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Send 发送文本消息（并发安全）
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// SendJSON 序列化并发送
func (s *Session) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Start 启动会话（后台自动重连直到 Close）
func (s *Session) Start() {
	go s.run()
}

// Close 关闭会话
func (s *Session) Close() {
	s.setState(StateClosed)
	s.cancel()

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	<-s.done
}

func (s *Session) run() {
	defer close(s.done)

	first := true
	for {
		if s.ctx.Err() != nil {
			return
		}

		if !first {
			s.setState(StateReconnecting)
			s.pm.RecordWebSocketReconnect(s.opts.Exchange, s.opts.StreamType)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
		first = false

		if err := s.runOnce(); err != nil {
			logger.Warn("⚠️ [%s/%s] 连接中断: %v", s.opts.Exchange, s.opts.StreamType, err)
			s.publish(event.EventTypeWebSocketDisconnected, err.Error())
		}

		if s.State() == StateClosed || s.ctx.Err() != nil {
			return
		}
	}
}

// runOnce 单次连接生命周期：拨号、认证、订阅、读取直到出错
func (s *Session) runOnce() error {
	s.setState(StateConnecting)

	conn, err := s.opts.Dialer.Dial(s.ctx, s.opts.URL)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	s.setState(StateSubscribing)

	if s.opts.Hooks.OnOpen != nil {
		if err := s.opts.Hooks.OnOpen(s); err != nil {
			return err
		}
	}

	if topics := s.Topics(); len(topics) > 0 && s.opts.Hooks.Subscribe != nil {
		if err := s.opts.Hooks.Subscribe(s, topics); err != nil {
			return err
		}
	}

	s.setState(StateLive)
	s.lastPong.Store(time.Now().UnixNano())
	logger.Info("✅ [%s/%s] 连接就绪, 订阅 %d 个主题", s.opts.Exchange, s.opts.StreamType, len(s.Topics()))
	s.publish(event.EventTypeWebSocketConnected, "")

	// 保活：连续两个周期无 pong 则强制断开
	pingCtx, pingCancel := context.WithCancel(s.ctx)
	defer pingCancel()
	go s.keepalive(pingCtx, conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if s.opts.Hooks.IsPong != nil && s.opts.Hooks.IsPong(msg) {
			s.lastPong.Store(time.Now().UnixNano())
			continue
		}

		if s.opts.Hooks.OnMessage != nil {
			s.opts.Hooks.OnMessage(msg)
		}
	}
}

// keepalive 周期发送 ping 并检查 pong 超时
func (s *Session) keepalive(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(-2 * s.opts.PingInterval).UnixNano()
			if s.lastPong.Load() < deadline {
				logger.Warn("⚠️ [%s/%s] 连续两个周期未收到 pong, 强制重连", s.opts.Exchange, s.opts.StreamType)
				conn.Close()
				return
			}
			if s.opts.Hooks.Ping != nil {
				if err := s.opts.Hooks.Ping(s); err != nil {
					conn.Close()
					return
				}
			}
		}
	}
}

func (s *Session) publish(eventType event.EventType, reason string) {
	if s.opts.Bus == nil {
		return
	}
	s.opts.Bus.Publish(&event.Event{
		Type: eventType,
		Data: map[string]interface{}{
			"exchange":    s.opts.Exchange,
			"stream_type": s.opts.StreamType,
			"reason":      reason,
		},
	})
}
