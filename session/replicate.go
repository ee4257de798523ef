package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Event operations announced to peer nodes.
const (
	eventAdd    = "ADD"
	eventDelete = "DELETE"
)

// Event is the replication record published when session state changes on
// this node.
type Event struct {
	Operation  string  `json:"operation"`
	EntityType string  `json:"entity_type"`
	Payload    Session `json:"payload"`
}

// Replicated decorates a Store with fire-and-forget replication over a
// message publisher. Local state changes are never blocked or rolled back by
// publish failures; those are logged and dropped.
type Replicated struct {
	inner  Store
	pub    message.Publisher
	topic  string
	logger *slog.Logger
}

// NewReplicated wraps inner so that every Put publishes an ADD event and
// every Consume or Remove publishes a DELETE event on topic.
func NewReplicated(inner Store, pub message.Publisher, topic string, logger *slog.Logger) *Replicated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replicated{inner: inner, pub: pub, topic: topic, logger: logger}
}

func (r *Replicated) Put(sess Session) error {
	if err := r.inner.Put(sess); err != nil {
		return err
	}
	r.publish(eventAdd, sess)
	return nil
}

func (r *Replicated) Get(key string, maxAge time.Duration) (Session, bool) {
	return r.inner.Get(key, maxAge)
}

func (r *Replicated) Consume(key string, maxAge time.Duration) (Session, bool) {
	sess, ok := r.inner.Consume(key, maxAge)
	if ok {
		r.publish(eventDelete, sess)
	}
	return sess, ok
}

func (r *Replicated) Remove(key string) error {
	if err := r.inner.Remove(key); err != nil {
		return err
	}
	r.publish(eventDelete, Session{Key: key})
	return nil
}

func (r *Replicated) publish(op string, sess Session) {
	body, err := json.Marshal(Event{
		Operation:  op,
		EntityType: "SESSION",
		Payload:    sess,
	})
	if err != nil {
		r.logger.Error("marshaling session event", "operation", op, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	if err := r.pub.Publish(r.topic, msg); err != nil {
		r.logger.Error("publishing session event", "operation", op, "key", sess.Key, "error", err)
	}
}

// Apply replays a replication event from a peer node onto the local store.
// Unknown operations are ignored.
func (r *Replicated) Apply(ev Event) error {
	switch ev.Operation {
	case eventAdd:
		return r.inner.Put(ev.Payload)
	case eventDelete:
		return r.inner.Remove(ev.Payload.Key)
	}
	return nil
}
