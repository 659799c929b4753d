package lock

import (
	"fmt"
	"sync"
	"testing"
)

func TestTokenMapConcurrentAccess(t *testing.T) {
	r := NewRedisLock(nil, "test:")

	// 每个交易所的启动 goroutine 各自持有一把对账锁，
	// token 表的并发读写不能竞争
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("recon:ex%d", i)
			r.storeToken(key, generateToken())
			if _, ok := r.token(key); !ok {
				t.Errorf("写入后应能读到 token: %s", key)
			}
			r.dropToken(key)
		}(i)
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lockKeys) != 0 {
		t.Errorf("释放后 token 表应为空, 剩余 %d", len(r.lockKeys))
	}
}

func TestTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := generateToken()
		if len(token) != 32 {
			t.Fatalf("token 应为32位十六进制, 得到 %q", token)
		}
		if seen[token] {
			t.Fatal("token 不应重复")
		}
		seen[token] = true
	}
}
