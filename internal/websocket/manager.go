package websocket

import (
	"sort"
)

// Subscription - дескриптор подписки на топик
type Subscription struct {
	ID    string
	Topic string
}

type subscription struct {
	Subscription
	handler Handler
}

// registry хранит подписки по топику и по ID.
// Не потокобезопасен, защищен мьютексом сессии.
type registry struct {
	byTopic map[string]*subscription
	byID    map[string]*subscription
}

func newRegistry() *registry {
	return &registry{
		byTopic: make(map[string]*subscription),
		byID:    make(map[string]*subscription),
	}
}

func (r *registry) add(sub *subscription) {
	r.byTopic[sub.Topic] = sub
	r.byID[sub.ID] = sub
}

func (r *registry) has(topic string) bool {
	_, ok := r.byTopic[topic]
	return ok
}

// remove удаляет подписку по топику
func (r *registry) remove(topic string) (*subscription, bool) {
	sub, ok := r.byTopic[topic]
	if !ok {
		return nil, false
	}
	delete(r.byTopic, topic)
	delete(r.byID, sub.ID)
	return sub, true
}

// lookup находит подписку для входящего MESSAGE: сначала по заголовку subscription,
// затем по destination
func (r *registry) lookup(id, destination string) (*subscription, bool) {
	if sub, ok := r.byID[id]; ok {
		return sub, true
	}
	sub, ok := r.byTopic[destination]
	return sub, ok
}

// clear забывает все подписки. Возвращает число удаленных.
func (r *registry) clear() int {
	n := len(r.byTopic)
	r.byTopic = make(map[string]*subscription)
	r.byID = make(map[string]*subscription)
	return n
}

func (r *registry) topics() []string {
	topics := make([]string, 0, len(r.byTopic))
	for t := range r.byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
