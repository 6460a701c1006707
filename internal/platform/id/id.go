package id

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// 进程内单调后缀：随机起点，每次取号递增。
// 同一毫秒内连续生成的 ID 依然保持可排序。
var counter = newCounter()

func newCounter() *atomic.Uint64 {
	var c atomic.Uint64
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	c.Store(binary.BigEndian.Uint64(buf) & 0xFFFFFFFFFFFF)
	return &c
}

// New 生成带前缀的简易唯一 ID：
// prefix + 毫秒时间戳 + 单调递增后缀。
// 这种格式便于日志阅读，也基本满足本地场景下的唯一性。
func New(prefix string) string {
	n := counter.Add(1) & 0xFFFFFFFFFFFF
	return fmt.Sprintf("%s_%d_%012x", prefix, time.Now().UnixMilli(), n)
}
