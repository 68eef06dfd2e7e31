package events

import (
	"sync"
)

// Emitter рассылает типизированные события подписчикам.
// Обработчики вызываются синхронно в порядке регистрации.
type Emitter[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	order    []uint64
	handlers map[uint64]func(T)
}

// NewEmitter создает пустой Emitter
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{
		handlers: make(map[uint64]func(T)),
	}
}

// On регистрирует обработчик и возвращает функцию отписки
func (e *Emitter[T]) On(handler func(T)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.handlers[id] = handler
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { e.off(id) })
	}
}

func (e *Emitter[T]) off(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.handlers, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Emit вызывает все обработчики с событием
func (e *Emitter[T]) Emit(event T) {
	e.mu.RLock()
	handlers := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Len возвращает количество подписчиков
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
