package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrHandlerNotFound indicates no handler is registered for a message type.
// Messages hitting it are dead-lettered without counting an attempt.
var ErrHandlerNotFound = errors.New("no handler registered for message type")

// dispatchCacheSize bounds the composed dispatch thunk cache. Oldest entries
// are evicted on overflow.
const dispatchCacheSize = 128

// Decoder turns a raw payload into the handler's input value.
type Decoder func(payload []byte) (any, error)

// Dispatch is a resolved, ready-to-call handler binding for one message type.
type Dispatch struct {
	// MessageType is the registry key this binding serves
	MessageType string

	// Batch is true when the handler consumes whole batches
	Batch bool

	// Decode converts one payload
	Decode Decoder

	// Invoke calls a single-message handler with a decoded value
	Invoke func(ctx context.Context, decoded any) Result

	// InvokeBatch calls a batch handler with decoded values, one verdict for
	// the whole slice
	InvokeBatch func(ctx context.Context, decoded []any) Result
}

type registration struct {
	decode      Decoder
	batch       bool
	invoke      func(ctx context.Context, decoded any) Result
	invokeBatch func(ctx context.Context, decoded []any) Result
}

// Registry maps message types to payload decoders and handlers.
// Registration happens before the orchestrator starts; lookups are
// concurrency-safe and served from a bounded thunk cache.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registration

	cache      map[string]*Dispatch
	cacheOrder []string
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registration),
		cache:   make(map[string]*Dispatch),
	}
}

// Register binds a single-message handler to a message type.
func Register[T any](r *Registry, messageType string, decode func([]byte) (T, error), handler func(ctx context.Context, msg T) Result) error {
	if handler == nil {
		return fmt.Errorf("handler for %q must not be nil", messageType)
	}
	return r.add(messageType, &registration{
		decode: eraseDecoder(decode),
		invoke: func(ctx context.Context, decoded any) Result {
			value, ok := decoded.(T)
			if !ok {
				return MoveToDeadLetter(fmt.Sprintf("decoded payload for %q has unexpected type %T", messageType, decoded))
			}
			return handler(ctx, value)
		},
	})
}

// RegisterBatch binds a batch handler to a message type. The handler returns
// one verdict for the whole batch.
func RegisterBatch[T any](r *Registry, messageType string, decode func([]byte) (T, error), handler func(ctx context.Context, msgs []T) Result) error {
	if handler == nil {
		return fmt.Errorf("handler for %q must not be nil", messageType)
	}
	return r.add(messageType, &registration{
		decode: eraseDecoder(decode),
		batch:  true,
		invokeBatch: func(ctx context.Context, decoded []any) Result {
			values := make([]T, 0, len(decoded))
			for _, d := range decoded {
				value, ok := d.(T)
				if !ok {
					return MoveToDeadLetter(fmt.Sprintf("decoded payload for %q has unexpected type %T", messageType, d))
				}
				values = append(values, value)
			}
			return handler(ctx, values)
		},
	})
}

// RegisterJSON binds a single-message handler with a JSON payload decoder.
func RegisterJSON[T any](r *Registry, messageType string, handler func(ctx context.Context, msg T) Result) error {
	return Register(r, messageType, decodeJSON[T], handler)
}

// RegisterJSONBatch binds a batch handler with a JSON payload decoder.
func RegisterJSONBatch[T any](r *Registry, messageType string, handler func(ctx context.Context, msgs []T) Result) error {
	return RegisterBatch(r, messageType, decodeJSON[T], handler)
}

func decodeJSON[T any](payload []byte) (T, error) {
	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return value, err
	}
	return value, nil
}

func eraseDecoder[T any](decode func([]byte) (T, error)) Decoder {
	if decode == nil {
		return func(payload []byte) (any, error) {
			return payload, nil
		}
	}
	return func(payload []byte) (any, error) {
		return decode(payload)
	}
}

func (r *Registry) add(messageType string, reg *registration) error {
	if messageType == "" {
		return errors.New("message type must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[messageType]; exists {
		return fmt.Errorf("handler already registered for message type %q", messageType)
	}
	r.entries[messageType] = reg
	return nil
}

// Lookup resolves the dispatch binding for a message type.
// Returns ErrHandlerNotFound for unregistered types.
func (r *Registry) Lookup(messageType string) (*Dispatch, error) {
	r.mu.RLock()
	if d, ok := r.cache[messageType]; ok {
		r.mu.RUnlock()
		return d, nil
	}
	reg, ok := r.entries[messageType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotFound, messageType)
	}

	d := &Dispatch{
		MessageType: messageType,
		Batch:       reg.batch,
		Decode:      reg.decode,
		Invoke:      reg.invoke,
		InvokeBatch: reg.invokeBatch,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have composed the thunk meanwhile
	if cached, ok := r.cache[messageType]; ok {
		return cached, nil
	}
	if len(r.cacheOrder) >= dispatchCacheSize {
		oldest := r.cacheOrder[0]
		r.cacheOrder = r.cacheOrder[1:]
		delete(r.cache, oldest)
	}
	r.cache[messageType] = d
	r.cacheOrder = append(r.cacheOrder, d.MessageType)
	return d, nil
}

// Types returns the registered message types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}

// Len returns the number of registered message types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
