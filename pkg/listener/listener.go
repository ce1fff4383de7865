package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Job is a background worker.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener feeds every value received on a channel to a handler on its own
// goroutine. Handler errors are logged and do not stop the listener; a closed
// input channel does.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()

	in       <-chan T
	wg       sync.WaitGroup
	cancel   func()
	stopOnce sync.Once
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				slog.Error("listener handler failed", "listener", l.name, "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the listener, waits for an in-flight handler and runs the
// stop handler. Calling Stop more than once is a no-op.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
