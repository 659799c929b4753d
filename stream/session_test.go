package stream

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	written   [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.TextMessage, msg, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type subscribeRecorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *subscribeRecorder) record(s *Session, topics []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(topics))
	copy(cp, topics)
	r.calls = append(r.calls, cp)
	return nil
}

func (r *subscribeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}

func TestMissedPongsTriggerReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &subscribeRecorder{}

	s := NewSession(Options{
		Exchange:     "Test",
		StreamType:   "public",
		URL:          "ws://test",
		PingInterval: 20 * time.Millisecond,
		Dialer:       dialer,
		Hooks: Hooks{
			Subscribe: rec.record,
			Ping:      func(s *Session) error { return s.Send([]byte(`{"op":"ping"}`)) },
			IsPong:    func(msg []byte) bool { return bytes.Contains(msg, []byte("pong")) },
		},
	})
	if err := s.Subscribe("tickers.BTCUSDT"); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Close()

	// 不回复 pong：连续两个周期后会话应强制重连
	waitFor(t, 2*time.Second, func() bool { return dialer.dialCount() >= 2 })

	// 重连后重放全量订阅
	waitFor(t, 2*time.Second, func() bool { return rec.count() >= 2 })
}

func TestPongKeepsSessionLive(t *testing.T) {
	dialer := &fakeDialer{}

	s := NewSession(Options{
		Exchange:     "Test",
		StreamType:   "public",
		URL:          "ws://test",
		PingInterval: 20 * time.Millisecond,
		Dialer:       dialer,
		Hooks: Hooks{
			Ping:   func(s *Session) error { return s.Send([]byte(`{"op":"ping"}`)) },
			IsPong: func(msg []byte) bool { return bytes.Contains(msg, []byte("pong")) },
		},
	})
	s.Start()
	defer s.Close()

	waitFor(t, time.Second, func() bool { return s.State() == StateLive })

	// 持续回复 pong，连接应保持
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if conn := dialer.lastConn(); conn != nil {
					select {
					case conn.in <- []byte(`{"op":"pong"}`):
					default:
					}
				}
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Errorf("pong 正常时不应重连, 拨号次数 %d", n)
	}
	if s.State() != StateLive {
		t.Errorf("状态应为 LIVE, 得到 %s", s.State())
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	rec := &subscribeRecorder{}

	s := NewSession(Options{
		Exchange:     "Test",
		StreamType:   "public",
		URL:          "ws://test",
		PingInterval: time.Hour,
		Dialer:       dialer,
		Hooks:        Hooks{Subscribe: rec.record},
	})
	s.Start()
	defer s.Close()

	waitFor(t, time.Second, func() bool { return s.State() == StateLive })

	if err := s.Subscribe("a", "b"); err != nil {
		t.Fatal(err)
	}
	// 重复订阅只发送新增主题
	if err := s.Subscribe("a", "c"); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 2 {
		t.Fatalf("应有2次订阅调用, 得到 %d", len(rec.calls))
	}
	if len(rec.calls[1]) != 1 || rec.calls[1][0] != "c" {
		t.Errorf("第二次订阅应只含新增主题 c, 得到 %v", rec.calls[1])
	}

	topics := s.Topics()
	if len(topics) != 3 {
		t.Errorf("应登记3个主题, 得到 %v", topics)
	}
}

func TestUnsubscribeSendsControlMessage(t *testing.T) {
	dialer := &fakeDialer{}
	sub := &subscribeRecorder{}
	unsub := &subscribeRecorder{}

	s := NewSession(Options{
		Exchange:     "Test",
		StreamType:   "public",
		URL:          "ws://test",
		PingInterval: time.Hour,
		Dialer:       dialer,
		Hooks: Hooks{
			Subscribe:   sub.record,
			Unsubscribe: unsub.record,
		},
	})
	s.Start()
	defer s.Close()

	waitFor(t, time.Second, func() bool { return s.State() == StateLive })

	if err := s.Subscribe("a", "b", "c"); err != nil {
		t.Fatal(err)
	}
	// 退订只发送确实登记过的主题
	if err := s.Unsubscribe("b", "x"); err != nil {
		t.Fatal(err)
	}

	unsub.mu.Lock()
	if len(unsub.calls) != 1 || len(unsub.calls[0]) != 1 || unsub.calls[0][0] != "b" {
		t.Errorf("应只退订已登记的主题 b, 得到 %v", unsub.calls)
	}
	unsub.mu.Unlock()

	topics := s.Topics()
	if len(topics) != 2 {
		t.Errorf("退订后应剩2个主题, 得到 %v", topics)
	}

	// 从未登记过的主题退订不触发发送
	if err := s.Unsubscribe("x"); err != nil {
		t.Fatal(err)
	}
	if n := unsub.count(); n != 1 {
		t.Errorf("空退订不应调用钩子, 调用次数 %d", n)
	}
}

func TestMessageDispatch(t *testing.T) {
	dialer := &fakeDialer{}
	received := make(chan []byte, 1)

	s := NewSession(Options{
		Exchange:     "Test",
		StreamType:   "private",
		URL:          "ws://test",
		PingInterval: time.Hour,
		Dialer:       dialer,
		Hooks: Hooks{
			OnMessage: func(msg []byte) { received <- msg },
			IsPong:    func(msg []byte) bool { return bytes.Contains(msg, []byte("pong")) },
		},
	})
	s.Start()
	defer s.Close()

	waitFor(t, time.Second, func() bool { return s.State() == StateLive })

	conn := dialer.lastConn()
	conn.in <- []byte(`{"op":"pong"}`) // pong 不进入分发
	conn.in <- []byte(`{"topic":"execution"}`)

	select {
	case msg := <-received:
		if !bytes.Contains(msg, []byte("execution")) {
			t.Errorf("分发的消息错误: %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("未收到分发消息")
	}
}
