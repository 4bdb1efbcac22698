package engine

import (
	"sync"
)

// Subscription отменяемая подписка на уведомление движка
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc позволяет использовать функцию как Subscription
type SubscriptionFunc func()

// Unsubscribe отменяет подписку
func (f SubscriptionFunc) Unsubscribe() {
	if f != nil {
		f()
	}
}

// Listeners набор подписчиков на событие с аргументом T.
// Нулевое значение готово к использованию.
type Listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
	fired  bool
}

// Add регистрирует обработчик
func (l *Listeners[T]) Add(fn func(T)) Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn

	var once sync.Once
	return SubscriptionFunc(func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	})
}

// Emit вызывает обработчики вне блокировки
func (l *Listeners[T]) Emit(v T) {
	for _, fn := range l.snapshot() {
		fn(v)
	}
}

// EmitOnce вызывает обработчики только при первом вызове и снимает их
func (l *Listeners[T]) EmitOnce(v T) {
	l.mu.Lock()
	if l.fired {
		l.mu.Unlock()
		return
	}
	l.fired = true
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.fns = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len возвращает количество активных подписчиков
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

func (l *Listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	return fns
}
