package taskset

import (
	"context"
	"sync"

	"google.golang.org/protobuf/types/known/anypb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
)

// listenerRetryable adapts a Listener plugin to RetryableExecutor. Each
// successful attempt owns one Listener; the previous one is stopped first.
type listenerRetryable struct {
	registry *plugin.Registry[plugin.ListenerFactory]
	name     string
	emit     func(*anypb.Any)

	onDisconnect func(error)

	mu       sync.Mutex
	current  plugin.Listener
	stopConn context.CancelFunc
}

var _ RetryableExecutor = (*listenerRetryable)(nil)

func newListenerRetryable(registry *plugin.Registry[plugin.ListenerFactory], name string, emit func(*anypb.Any)) *listenerRetryable {
	return &listenerRetryable{registry: registry, name: name, emit: emit}
}

func (l *listenerRetryable) Init(onDisconnect func(error)) { l.onDisconnect = onDisconnect }

func (l *listenerRetryable) Attempt(ctx context.Context, cfg *anypb.Any) AttemptResult {
	factory, ok := l.registry.Lookup(l.name)
	if !ok {
		return AttemptResult{Reason: ReasonPluginNotFound}
	}

	listener, err := factory.Create(cfg)
	if err != nil {
		return AttemptResult{Reason: ReasonCreateFailed, Err: err}
	}

	l.closeCurrent()

	connCtx, cancel := context.WithCancel(ctx)

	// Disconnect is reported at most once per connection, and never after the
	// connection was closed on our side.
	var once sync.Once
	cb := plugin.ListenerCallbacks{
		Emit: func(payload *anypb.Any) {
			if connCtx.Err() == nil {
				l.emit(payload)
			}
		},
		OnDisconnect: func(err error) {
			once.Do(func() {
				if connCtx.Err() != nil {
					return
				}
				cancel()
				if l.onDisconnect != nil {
					l.onDisconnect(err)
				}
			})
		},
	}

	if err := listener.Start(connCtx, cb); err != nil {
		cancel()
		listener.Stop()
		return AttemptResult{Reason: ReasonStartFailed, Err: err}
	}

	l.mu.Lock()
	l.current, l.stopConn = listener, cancel
	l.mu.Unlock()

	return AttemptResult{Connected: true}
}

func (l *listenerRetryable) Cancel() { l.closeCurrent() }

func (l *listenerRetryable) closeCurrent() {
	l.mu.Lock()
	listener, cancel := l.current, l.stopConn
	l.current, l.stopConn = nil, nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Stop()
	}
}
