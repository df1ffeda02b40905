package snowflake

import (
	"errors"
	"sync"
	"time"
)

// 消息 ID 布局：1 位符号 | 41 位毫秒时间戳 | 10 位节点 ID | 12 位序列号
const (
	Epoch int64 = 1704067200000 // 2024-01-01 00:00:00 UTC，毫秒

	nodeBits     = 10
	sequenceBits = 12

	MaxNodeID    int64 = -1 ^ (-1 << nodeBits)
	sequenceMask int64 = -1 ^ (-1 << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	// 可容忍的时钟回拨，超过则报错
	maxBackwardDrift = 5 * time.Millisecond
)

var (
	ErrInvalidNodeID       = errors.New("snowflake: node id out of range")
	ErrClockMovedBackwards = errors.New("snowflake: clock moved backwards")
)

// Generator 单节点内并发安全的 ID 生成器，生成的 ID 随时间单调递增
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastMs   int64
	now      func() int64
}

func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNodeID {
		return nil, ErrInvalidNodeID
	}
	return &Generator{nodeID: nodeID, now: currentMillis}, nil
}

// NextID 生成下一个 ID
func (g *Generator) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMs {
		if time.Duration(g.lastMs-ms)*time.Millisecond > maxBackwardDrift {
			return 0, ErrClockMovedBackwards
		}
		ms = g.waitUntil(g.lastMs)
	}

	if ms == g.lastMs {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// 本毫秒序列号用尽
			ms = g.waitUntil(g.lastMs + 1)
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return (ms-Epoch)<<timestampShift | g.nodeID<<nodeShift | g.sequence, nil
}

func (g *Generator) waitUntil(target int64) int64 {
	ms := g.now()
	for ms < target {
		time.Sleep(100 * time.Microsecond)
		ms = g.now()
	}
	return ms
}

// Time 解析 ID 中的时间戳
func Time(id int64) time.Time {
	return time.UnixMilli(id>>timestampShift + Epoch)
}

// NodeID 解析 ID 中的节点 ID
func NodeID(id int64) int64 {
	return (id >> nodeShift) & MaxNodeID
}

func currentMillis() int64 {
	return time.Now().UnixMilli()
}
