package executor

import (
	"context"
	"errors"
	"testing"
)

func TestPoolRunPreservesOrder(t *testing.T) {
	p := NewPool(4)
	tasks := make([]Task, 10)
	for i := 0; i < 10; i++ {
		i := i
		tasks[i] = func(context.Context) (any, error) {
			return i * i, nil
		}
	}
	results, err := p.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for i, r := range results {
		if r.(int) != i*i {
			t.Fatalf("result[%d] = %v, want %d", i, r, i*i)
		}
	}
}

func TestPoolRunPropagatesError(t *testing.T) {
	p := NewPool(2)
	wantErr := errors.New("boom")
	tasks := []Task{
		func(context.Context) (any, error) { return 1, nil },
		func(context.Context) (any, error) { return nil, wantErr },
		func(context.Context) (any, error) { return 3, nil },
	}
	if _, err := p.Run(context.Background(), tasks); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPoolRunEmpty(t *testing.T) {
	p := NewPool(4)
	results, err := p.Run(context.Background(), nil)
	if err != nil || results != nil {
		t.Fatalf("empty batch should return (nil, nil), got (%v, %v)", results, err)
	}
}

func TestInlineRunPreservesOrder(t *testing.T) {
	var inline Inline
	tasks := make([]Task, 5)
	for i := 0; i < 5; i++ {
		i := i
		tasks[i] = func(context.Context) (any, error) { return i, nil }
	}
	results, err := inline.Run(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for i, r := range results {
		if r.(int) != i {
			t.Fatalf("result[%d] = %v, want %d", i, r, i)
		}
	}
}

func TestInlineRunCancelled(t *testing.T) {
	var inline Inline
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tasks := []Task{
		func(context.Context) (any, error) { return 1, nil },
	}
	if _, err := inline.Run(ctx, tasks); err == nil {
		t.Fatal("expected context-cancellation error, got nil")
	}
}
