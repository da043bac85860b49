// Package bus is the Coordination Bus (spec.md §4.5): an in-process
// message bus agents use to send targeted and broadcast messages to one
// another. Targeted delivery is backpressured Go channels; the global
// event feed (monitoring, the Proactive Engine) is genuinely backed by
// an embedded NATS server — every Send mirrors onto a NATS subject, and
// SubscribeGlobal's mailboxes are fed from the bus's own NATS
// subscription to that subject, the same path a real out-of-process
// listener would use.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fleetforge/conductor/internal/common/errs"
	"github.com/fleetforge/conductor/internal/common/logger"
	"github.com/fleetforge/conductor/internal/ids"
)

const (
	mirrorSubjectPrefix = "conductor.bus."
	defaultMailboxCap   = 64
	defaultGCInterval   = 30 * time.Second
)

// Envelope is the wire form mirrored onto NATS for observability.
type Envelope struct {
	From ids.ID    `json:"from"`
	To   ids.ID    `json:"to"`
	Body []byte    `json:"body"`
	Sent time.Time `json:"sent"`
}

// mailbox is one subscriber's bounded inbox.
type mailbox struct {
	id     ids.ID
	ch     chan Envelope
	global bool
	closed bool
}

// Subscription is the handle returned to a caller of Subscribe /
// SubscribeGlobal; Recv/TryRecv read from it and Close releases it.
type Subscription struct {
	bus *Bus
	mb  *mailbox
}

// Bus is the coordination bus. Sending blocks the producer until every
// live recipient's mailbox has room (spec.md §4.5's backpressure
// requirement) rather than silently dropping messages under load.
type Bus struct {
	log *logger.Logger

	ns        *server.Server
	nc        *nats.Conn
	mirrorSub *nats.Subscription

	mu         sync.RWMutex
	targeted   map[ids.ID]*mailbox
	globalSubs map[ids.ID]*mailbox

	mailboxCap int

	stopGC chan struct{}
}

// NewEmbedded starts an in-process NATS server and connects a client to
// it, following kdlbs-kandev's NATSConfig grounding (internal/common/config
// NATSConfig) generalized from "external cluster URL" to "always embedded"
// since this bus has no external deployment surface in scope.
func NewEmbedded(log *logger.Logger) (*Bus, error) {
	if log == nil {
		log = logger.Default()
	}

	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "start embedded nats server", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, errs.New(errs.KindConfiguration, "embedded nats server did not become ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, errs.Wrap(errs.KindConfiguration, "connect to embedded nats server", err)
	}

	b := &Bus{
		log:        log,
		ns:         ns,
		nc:         nc,
		targeted:   make(map[ids.ID]*mailbox),
		globalSubs: make(map[ids.ID]*mailbox),
		mailboxCap: defaultMailboxCap,
		stopGC:     make(chan struct{}),
	}

	sub, err := nc.Subscribe(mirrorSubjectPrefix+">", b.onMirrored)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, errs.Wrap(errs.KindConfiguration, "subscribe embedded nats global feed", err)
	}
	b.mirrorSub = sub

	go b.gcLoop()
	return b, nil
}

// Close shuts down the NATS client and embedded server. Calls after the
// first are no-ops.
func (b *Bus) Close() {
	select {
	case <-b.stopGC:
		return
	default:
	}
	close(b.stopGC)
	if b.mirrorSub != nil {
		_ = b.mirrorSub.Unsubscribe()
	}
	b.nc.Close()
	b.ns.Shutdown()
}

func subject(agentID ids.ID) string {
	return mirrorSubjectPrefix + "agent." + agentID.String()
}

const broadcastSubject = mirrorSubjectPrefix + "broadcast"

// Subscribe registers agentID as a targeted recipient.
func (b *Bus) Subscribe(agentID ids.ID) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.targeted[agentID]; exists {
		return nil, errs.New(errs.KindDelegation, "agent already subscribed: "+agentID.String())
	}
	mb := &mailbox{id: agentID, ch: make(chan Envelope, b.mailboxCap)}
	b.targeted[agentID] = mb
	return &Subscription{bus: b, mb: mb}, nil
}

// SubscribeGlobal registers a listener that receives every targeted and
// broadcast message on the bus, for monitoring and the Proactive Engine's
// event feed.
func (b *Bus) SubscribeGlobal() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb := &mailbox{id: ids.New(), ch: make(chan Envelope, b.mailboxCap), global: true}
	b.globalSubs[mb.id] = mb
	return &Subscription{bus: b, mb: mb}
}

// Close unregisters the subscription. Subsequent Send calls targeting it
// will fail for targeted subscriptions, or simply skip it for global ones.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.mb.closed = true
	if s.mb.global {
		delete(s.bus.globalSubs, s.mb.id)
	} else {
		delete(s.bus.targeted, s.mb.id)
	}
}

// Recv blocks until a message arrives or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-s.mb.ch:
		if !ok {
			return Envelope{}, errs.New(errs.KindDelegation, "subscription closed")
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// TryRecv returns immediately with ok=false if nothing is queued.
func (s *Subscription) TryRecv() (Envelope, bool) {
	select {
	case env, ok := <-s.mb.ch:
		return env, ok
	default:
		return Envelope{}, false
	}
}

// Send delivers body from `from` to `to`. to == ids.Nil broadcasts to
// every live targeted subscriber. Send blocks until every live targeted
// recipient's mailbox has room or ctx is done — a slow subscriber
// backpressures the producer rather than losing messages silently.
// Global subscribers (SubscribeGlobal) are fed out-of-band through the
// embedded NATS round-trip (mirror/onMirrored), not from this loop.
func (b *Bus) Send(ctx context.Context, from, to ids.ID, data []byte) error {
	env := Envelope{From: from, To: to, Body: data, Sent: time.Now()}
	b.mirror(env)

	if to != ids.Nil {
		b.mu.RLock()
		mb, ok := b.targeted[to]
		b.mu.RUnlock()
		if !ok {
			return errs.New(errs.KindDelegation, "no such subscriber: "+to.String())
		}
		return deliver(ctx, mb, env)
	}

	b.mu.RLock()
	targets := make([]*mailbox, 0, len(b.targeted))
	for _, mb := range b.targeted {
		targets = append(targets, mb)
	}
	b.mu.RUnlock()

	for _, mb := range targets {
		if err := deliver(ctx, mb, env); err != nil {
			return err
		}
	}
	return nil
}

func deliver(ctx context.Context, mb *mailbox, env Envelope) error {
	select {
	case mb.ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mirror publishes the envelope to the embedded NATS server. This is
// not a side channel: it is the only path that feeds global subscribers
// (see onMirrored), and it uses the same subject a real out-of-process
// client would subscribe to for the same event stream. Send calls mirror
// before its targeted in-process delivery; a publish failure is only
// logged and never affects that delivery.
func (b *Bus) mirror(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	subj := broadcastSubject
	if env.To != ids.Nil {
		subj = subject(env.To)
	}
	if err := b.nc.Publish(subj, payload); err != nil {
		b.log.Debug("bus mirror publish failed", zap.Error(err))
	}
}

// onMirrored is the embedded NATS subscription's delivery callback: the
// sole mechanism by which SubscribeGlobal's mailboxes receive traffic.
// It runs on a NATS library goroutine, so delivery to a full mailbox is
// best-effort rather than blocking — a slow global subscriber (e.g. the
// Proactive Engine's event loop running behind) drops events rather
// than stalling every other in-process NATS callback.
func (b *Bus) onMirrored(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.log.Debug("bus: failed to decode mirrored envelope", zap.Error(err))
		return
	}

	b.mu.RLock()
	globals := make([]*mailbox, 0, len(b.globalSubs))
	for _, mb := range b.globalSubs {
		globals = append(globals, mb)
	}
	b.mu.RUnlock()

	for _, mb := range globals {
		select {
		case mb.ch <- env:
		default:
			b.log.Warn("bus: dropping global event, subscriber mailbox full", zap.String("subscriber", mb.id.String()))
		}
	}
}

// gcLoop periodically sweeps mailboxes left marked closed but not yet
// removed from the registries, a defense-in-depth complement to the
// immediate removal Subscription.Close performs.
func (b *Bus) gcLoop() {
	ticker := time.NewTicker(defaultGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.gc()
		case <-b.stopGC:
			return
		}
	}
}

func (b *Bus) gc() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, mb := range b.targeted {
		if mb.closed {
			delete(b.targeted, id)
		}
	}
	for id, mb := range b.globalSubs {
		if mb.closed {
			delete(b.globalSubs, id)
		}
	}
}

// Stats reports the current subscriber counts, for diagnostics.
func (b *Bus) Stats() (targeted, global int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.targeted), len(b.globalSubs)
}
