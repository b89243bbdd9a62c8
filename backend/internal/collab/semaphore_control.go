package collab

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

var (
	ErrAcquireTimeout = errors.New("Acquire Reach time limit")
	ErrNotAcquired    = errors.New("Release Failed, semaphore is not acquired")
)

// SemaphoreControl 是基于带缓冲 channel 的计数信号量
type SemaphoreControl struct {
	ch chan struct{}
}

// NewSemaphoreControl 创建容量为 max 的信号量，max<=0 时使用 MaxSemaphore
func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

// TryAcquire 不等待，满时直接返回 false
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 返回当前已占用的数量
func (s *SemaphoreControl) InUse() int { return len(s.ch) }

func (s *SemaphoreControl) Cap() int { return cap(s.ch) }
