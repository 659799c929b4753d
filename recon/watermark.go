package recon

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tradelink/logger"
)

const watermarkLayout = "2006-01-02 15:04:05"

// Watermarks 历史回填检查点文件
// 每行一个交易所："<交易所名> <UTC时间 YYYY-MM-DD HH:MM:SS>"，
// 只有批次完整入账后才推进，保证至少一次摄入
type Watermarks struct {
	mu    sync.Mutex
	path  string
	marks map[string]time.Time
}

// LoadWatermarks 读取检查点文件，文件不存在时返回空检查点
func LoadWatermarks(path string) (*Watermarks, error) {
	w := &Watermarks{path: path, marks: make(map[string]time.Time)}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("检查点文件打开失败: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.Index(line, " ")
		if idx <= 0 {
			logger.Warn("⚠️ 检查点行格式错误, 已跳过: %q", line)
			continue
		}
		t, err := time.Parse(watermarkLayout, line[idx+1:])
		if err != nil {
			logger.Warn("⚠️ 检查点时间解析失败, 已跳过: %q", line)
			continue
		}
		w.marks[line[:idx]] = t.UTC()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("检查点文件读取失败: %w", err)
	}
	return w, nil
}

// Get 返回某交易所的水位
func (w *Watermarks) Get(exchange string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.marks[exchange]
	return t, ok
}

// Advance 推进水位并落盘，只接受更新的时间
func (w *Watermarks) Advance(exchange string, t time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.marks[exchange]; ok && !t.After(prev) {
		return nil
	}
	w.marks[exchange] = t.UTC()
	return w.save()
}

// save 原子重写：写临时文件后改名
func (w *Watermarks) save() error {
	names := make([]string, 0, len(w.marks))
	for name := range w.marks {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s %s\n", name, w.marks[name].UTC().Format(watermarkLayout))
	}

	tmp := w.path + ".tmp"
	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("检查点目录创建失败: %w", err)
		}
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("检查点临时文件写入失败: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("检查点文件替换失败: %w", err)
	}
	return nil
}
