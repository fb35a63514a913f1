// Package federation mirrors application events between hubs over a gossip
// topic, so a peer subscribed on one hub receives events published on another.
package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"nodebus/internal/bus"
	"nodebus/internal/core/network"
	"nodebus/internal/hub"
	"nodebus/internal/logging"
)

const (
	DefaultTopic      = "nodebus.events"
	DefaultDedupeSize = 4096
)

var ErrStarted = errors.New("relay already started")

// frame is the gossip wire format. ID lets every node drop duplicates.
type frame struct {
	ID      string `json:"id"`
	Origin  string `json:"origin"`
	Name    string `json:"name"`
	Payload []any  `json:"payload"`
}

type Options struct {
	Topic      string
	DedupeSize int
	Logger     logrus.FieldLogger
}

// Relay forwards events that entered this hub from a peer or a local publish
// to the cluster, and injects events from other hubs with OriginCluster so
// they are fanned out locally but never sent back out.
type Relay struct {
	hub   *hub.Hub
	net   network.PubSub
	topic string
	seen  *lru.Cache[string, struct{}]
	log   logrus.FieldLogger

	mu      sync.Mutex
	cancel  func()
	done    chan struct{}
	running atomic.Bool

	forwarded atomic.Int64
	injected  atomic.Int64
}

func New(h *hub.Hub, ps network.PubSub, opts Options) (*Relay, error) {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = DefaultDedupeSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.L().WithField("component", "federation")
	}
	seen, err := lru.New[string, struct{}](opts.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}
	r := &Relay{
		hub:   h,
		net:   ps,
		topic: opts.Topic,
		seen:  seen,
		log:   opts.Logger.WithField("node", ps.NodeID()),
	}
	h.Observe(r.observe)
	return r, nil
}

func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrStarted
	}
	ch, cancel, err := r.net.Subscribe(r.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.topic, err)
	}
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running.Store(true)
	go r.consume(ch, r.done)
	return nil
}

// Stop leaves the topic and waits for the consumer to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	r.running.Store(false)
	cancel()
	<-done
}

// Counts returns how many events were sent to and taken from the cluster.
func (r *Relay) Counts() (forwarded, injected int64) {
	return r.forwarded.Load(), r.injected.Load()
}

func (r *Relay) observe(n bus.Notification) {
	if !r.running.Load() || n.Kind != bus.KindReceive || n.Origin == bus.OriginCluster {
		return
	}
	if n.Envelope == nil || bus.IsControl(n.Envelope.Name) {
		return
	}
	f := frame{ID: uuid.NewString(), Origin: r.net.NodeID(), Name: n.Envelope.Name, Payload: n.Envelope.Payload}
	b, err := json.Marshal(f)
	if err != nil {
		r.log.WithError(err).WithField("event", f.Name).Warn("encode frame failed")
		return
	}
	r.seen.Add(f.ID, struct{}{})
	if err := r.net.Publish(r.topic, b); err != nil {
		r.log.WithError(err).WithField("event", f.Name).Warn("publish frame failed")
		return
	}
	r.forwarded.Add(1)
}

func (r *Relay) consume(ch <-chan network.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var f frame
		if err := bus.Unmarshal(msg.Payload, &f); err != nil {
			r.log.WithError(err).WithField("from", msg.From).Debug("invalid frame")
			continue
		}
		if f.ID == "" || f.Origin == r.net.NodeID() || bus.IsControl(f.Name) {
			continue
		}
		if seen, _ := r.seen.ContainsOrAdd(f.ID, struct{}{}); seen {
			continue
		}
		if err := r.hub.Inject(&bus.Envelope{Name: f.Name, Payload: f.Payload}, bus.OriginCluster); err != nil {
			r.log.WithError(err).WithField("event", f.Name).Debug("cluster event dropped")
			continue
		}
		r.injected.Add(1)
	}
}
