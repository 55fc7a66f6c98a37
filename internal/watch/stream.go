package watch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// EventType is the kind of change a watch event reports.
type EventType string

const (
	Added    EventType = "Added"
	Modified EventType = "Modified"
	Deleted  EventType = "Deleted"
	Bookmark EventType = "Bookmark"
)

// Handler consumes the events of one stream. It is called from a single
// goroutine and must return before the next event is delivered.
type Handler[T client.Object] interface {
	Handle(ctx context.Context, eventType EventType, obj T)
}

// WatchFunc opens a new watch.
type WatchFunc func(ctx context.Context) (apiwatch.Interface, error)

// errWatchClosed ends one watch session and makes Run reconnect.
var errWatchClosed = errors.New("watch closed")

// Stream lists-and-watches one resource kind and feeds every event, in
// delivery order, to its Handler. A closed or failed watch is re-established
// with exponential backoff; a fresh watch replays existing objects as Added
// events, which is what lets missed events converge.
type Stream[T client.Object] struct {
	Kind    string
	Watch   WatchFunc
	Handler Handler[T]
	// MaxRetryInterval caps the reconnect backoff.
	MaxRetryInterval time.Duration

	established atomic.Bool
}

// NewStream builds a Stream that watches newList() objects in namespace
// (all namespaces when empty) through c.
func NewStream[T client.Object](kind string, c client.WithWatch, namespace string, newList func() client.ObjectList, h Handler[T]) *Stream[T] {
	return &Stream[T]{
		Kind: kind,
		Watch: func(ctx context.Context) (apiwatch.Interface, error) {
			var opts []client.ListOption
			if namespace != "" {
				opts = append(opts, client.InNamespace(namespace))
			}
			return c.Watch(ctx, newList(), opts...)
		},
		Handler:          h,
		MaxRetryInterval: 30 * time.Second,
	}
}

// Start runs the stream until ctx is cancelled. It satisfies manager.Runnable.
func (s *Stream[T]) Start(ctx context.Context) error {
	log := logf.FromContext(ctx).WithName("stream").WithValues("kind", s.Kind)
	ctx = logf.IntoContext(ctx, log)

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = s.MaxRetryInterval

	log.Info("stream started")
	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			delivered, err := s.session(ctx)
			if delivered {
				b.Reset()
			}
			if ctx.Err() != nil {
				return struct{}{}, backoff.Permanent(ctx.Err())
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, d time.Duration) {
				log.Info("watch interrupted, reconnecting", "reason", err.Error(), "retryIn", d)
			}),
		)
		if ctx.Err() != nil {
			log.Info("stream stopped")
			return nil
		}
		if err != nil {
			log.Error(err, "watch retry loop ended")
		}
	}
}

// session opens one watch and drains it. It always returns an error so the
// retry loop reconnects. delivered reports whether any event was handled, in
// which case the caller resets the backoff.
func (s *Stream[T]) session(ctx context.Context) (delivered bool, err error) {
	log := logf.FromContext(ctx)

	w, err := s.Watch(ctx)
	if err != nil {
		return false, fmt.Errorf("opening %s watch: %w", s.Kind, err)
	}
	defer w.Stop()

	if !s.established.Swap(true) {
		log.Info("first watch established")
	}

	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return delivered, errWatchClosed
			}
			if ev.Type == apiwatch.Error {
				return delivered, fmt.Errorf("%s watch error: %w", s.Kind, apierrors.FromObject(ev.Object))
			}
			s.dispatch(ctx, ev)
			delivered = true
		}
	}
}

func (s *Stream[T]) dispatch(ctx context.Context, ev apiwatch.Event) {
	eventType, ok := toEventType(ev.Type)
	if !ok {
		return
	}
	obj, ok := ev.Object.(T)
	if !ok {
		logf.FromContext(ctx).Info("unexpected object in watch event", "event", ev.Type, "type", fmt.Sprintf("%T", ev.Object))
		return
	}
	observeEvent(s.Kind, eventType)
	s.Handler.Handle(ctx, eventType, obj)
}

func toEventType(t apiwatch.EventType) (EventType, bool) {
	switch t {
	case apiwatch.Added:
		return Added, true
	case apiwatch.Modified:
		return Modified, true
	case apiwatch.Deleted:
		return Deleted, true
	case apiwatch.Bookmark:
		return Bookmark, true
	default:
		return "", false
	}
}

// Established reports whether the first watch has been opened.
func (s *Stream[T]) Established() bool {
	return s.established.Load()
}

// ReadyCheck is a healthz.Checker that fails until the first watch is open.
func (s *Stream[T]) ReadyCheck(_ *http.Request) error {
	if !s.Established() {
		return fmt.Errorf("%s watch not established", s.Kind)
	}
	return nil
}
