package notify

import (
	"context"
	"errors"
	"sync"
)

// MemoryStream 使用 channel 模拟事件流，主要用于单机部署和测试。
type MemoryStream struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryStream 创建一个内存事件流。
func NewMemoryStream(size int) *MemoryStream {
	if size <= 0 {
		size = 128
	}
	return &MemoryStream{ch: make(chan Event, size)}
}

// Publish 将事件写入流。缓冲已满时丢弃事件而不是阻塞调用方，
// 事件流是尽力而为的旁路通道。
func (s *MemoryStream) Publish(ctx context.Context, evt Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("事件流已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- evt:
		return nil
	default:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费事件。
func (s *MemoryStream) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-s.ch:
					if !ok {
						return
					}
					_ = handler(ctx, evt)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Events 暴露底层 channel，测试用。
func (s *MemoryStream) Events() <-chan Event {
	return s.ch
}

// Close 关闭内存事件流。
func (s *MemoryStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	s.mu.Unlock()
	return nil
}

var _ Stream = (*MemoryStream)(nil)
