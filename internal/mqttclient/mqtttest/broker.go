// Package mqtttest tem um broker em memória que implementa mqttclient.PubSub.
package mqtttest

import (
	"strings"
	"sync"
)

type subscription struct {
	filter  string
	handler func(topic string, payload []byte)
}

// Message é uma publicação registrada pelo broker.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Broker entrega mensagens de forma síncrona e guarda as retidas.
type Broker struct {
	mu        sync.Mutex
	subs      []subscription
	retained  map[string][]byte
	published []Message
}

func NewBroker() *Broker {
	return &Broker{retained: make(map[string][]byte)}
}

func (b *Broker) Publish(topic string, _ byte, retained bool, payload []byte) error {
	payload = append([]byte(nil), payload...)
	b.mu.Lock()
	b.published = append(b.published, Message{Topic: topic, Payload: payload, Retained: retained})
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	var handlers []func(string, []byte)
	for _, s := range b.subs {
		if Match(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

func (b *Broker) Subscribe(filter string, _ byte, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{filter: filter, handler: handler})
	var pending []Message
	for topic, payload := range b.retained {
		if Match(filter, topic) {
			pending = append(pending, Message{Topic: topic, Payload: payload, Retained: true})
		}
	}
	b.mu.Unlock()

	for _, m := range pending {
		handler(m.Topic, m.Payload)
	}
	return nil
}

func (b *Broker) Unsubscribe(filters ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		drop := false
		for _, f := range filters {
			if s.filter == f {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	b.subs = kept
	return nil
}

// Retained devolve a mensagem retida de topic.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.retained[topic]
	return p, ok
}

// Published devolve as mensagens publicadas em topic, na ordem.
func (b *Broker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Match aplica os curingas + e # do MQTT.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
