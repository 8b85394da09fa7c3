package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/perflow/flowgate/internal/flow"
	"github.com/perflow/flowgate/internal/metrics"
	"github.com/perflow/flowgate/internal/relay"
	"github.com/perflow/flowgate/internal/socks5"
)

// Decision is the policy outcome for one flow, resolved once at acceptance.
type Decision int

const (
	// Proxy relays the flow through the upstream SOCKS5 proxy.
	Proxy Decision = iota
	// Direct declines ownership so the platform delivers the flow natively.
	Direct
	// Reject claims the flow and closes it immediately.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Proxy:
		return "proxy"
	case Direct:
		return "direct"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Verdict tells the interception layer whether the dispatcher took the flow.
type Verdict int

const (
	// Claimed means the dispatcher owns the flow; the platform must not
	// deliver it natively.
	Claimed Verdict = iota
	// Declined hands the flow back for native delivery.
	Declined
)

// Config is the relay policy consumed at dispatcher construction and on
// explicit updates. The dispatcher snapshots it per new flow.
type Config struct {
	ProxyHost string
	SOCKSPort uint16

	// ProxyApps is the allow set: empty means every app not rejected is
	// proxied. RejectApps always wins over ProxyApps.
	ProxyApps  []string
	RejectApps []string

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	// BandwidthLimit caps relayed bytes per second across all flows.
	// Zero means unlimited.
	BandwidthLimit int64

	Verbose bool
}

// Dispatcher classifies each intercepted flow by owning-application policy,
// starts the right relay for proxied flows, and guards against duplicate
// sessions for the same flow identity.
type Dispatcher struct {
	ctx context.Context
	m   *metrics.Metrics

	mu        sync.Mutex
	cfg       Config
	proxySet  map[string]struct{}
	rejectSet map[string]struct{}
	limiter   *relay.Limiter
	active    map[string]struct{}
}

func New(ctx context.Context, cfg Config) *Dispatcher {
	if ctx == nil {
		ctx = context.Background()
	}
	d := &Dispatcher{
		ctx:    ctx,
		m:      metrics.Default(),
		active: make(map[string]struct{}),
	}
	d.setConfig(cfg)
	return d
}

// UpdateConfig replaces the policy. In-flight relays keep the configuration
// they started with; only subsequent flows see the new one.
func (d *Dispatcher) UpdateConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setConfig(cfg)
}

func (d *Dispatcher) setConfig(cfg Config) {
	d.cfg = cfg
	d.proxySet = toSet(cfg.ProxyApps)
	d.rejectSet = toSet(cfg.RejectApps)
	d.limiter = relay.NewLimiter(cfg.BandwidthLimit)
}

func toSet(apps []string) map[string]struct{} {
	s := make(map[string]struct{}, len(apps))
	for _, a := range apps {
		s[a] = struct{}{}
	}
	return s
}

// Classify resolves the policy decision for an owning application. Reject
// always wins; otherwise an empty allow set proxies everything.
func (d *Dispatcher) Classify(app string) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifyLocked(app)
}

func (d *Dispatcher) classifyLocked(app string) Decision {
	if _, ok := d.rejectSet[app]; ok {
		return Reject
	}
	if len(d.proxySet) == 0 {
		return Proxy
	}
	if _, ok := d.proxySet[app]; ok {
		return Proxy
	}
	return Direct
}

// ActiveFlows returns the number of live relay bindings.
func (d *Dispatcher) ActiveFlows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// OnNewFlow accepts one intercepted flow and returns immediately. Proxied
// flows start their relay on a new goroutine; the handshake never blocks
// subsequent accepts.
func (d *Dispatcher) OnNewFlow(f *flow.Flow) Verdict {
	// A flow whose remote endpoint never resolved cannot be addressed in a
	// SOCKS5 request. Hand it back rather than failing the dispatcher.
	if f.Remote.IsZero() || f.Remote.Host == "" {
		if d.verbose() {
			log.Printf("dispatch: declining flow from %q with unresolved remote", f.App)
		}
		return Declined
	}

	d.mu.Lock()
	decision := d.classifyLocked(f.App)
	cfg := d.cfg
	limiter := d.limiter

	id := f.Identity()
	key := id.Key()

	switch decision {
	case Direct:
		d.mu.Unlock()
		d.m.FlowsTotal.WithLabelValues(id.Proto.String(), decision.String()).Inc()
		return Declined

	case Reject:
		d.mu.Unlock()
		d.m.FlowsTotal.WithLabelValues(id.Proto.String(), decision.String()).Inc()
		f.Close()
		return Claimed
	}

	// Proxy: insert the table entry before unlocking so a racing duplicate
	// observes it. At most one binding per identity, ever.
	if _, dup := d.active[key]; dup {
		d.mu.Unlock()
		if d.verbose() {
			log.Printf("dispatch: duplicate flow %s rejected", id)
		}
		d.m.FlowsDup.Inc()
		f.Close()
		return Claimed
	}
	d.active[key] = struct{}{}
	d.mu.Unlock()

	d.m.FlowsTotal.WithLabelValues(id.Proto.String(), decision.String()).Inc()
	d.m.FlowsActive.Inc()

	go d.runRelay(f, id, cfg, limiter)
	return Claimed
}

func (d *Dispatcher) runRelay(f *flow.Flow, id flow.Identity, cfg Config, limiter *relay.Limiter) {
	sess := socks5.NewSession(socks5.Config{
		ProxyHost:        cfg.ProxyHost,
		ProxyPort:        cfg.SOCKSPort,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})

	opts := relay.Options{
		OnDone:  d.remove,
		Verbose: cfg.Verbose,
		Metrics: d.m,
	}

	start := time.Now()

	switch id.Proto {
	case flow.TCP:
		control, err := sess.ConnectTCP(d.ctx, id.Remote.Host, id.Remote.Port)
		if err != nil {
			d.handshakeFailed(f, id, err)
			return
		}
		d.m.HandshakeLatency.Observe(time.Since(start).Seconds())
		relay.NewTCP(id, f.Stream, limiter.Wrap(control), opts).Run()

	case flow.UDP:
		assoc, err := relay.SetupUDP(d.ctx, sess, id, f.Datagrams, opts)
		if err != nil {
			d.handshakeFailed(f, id, err)
			return
		}
		d.m.HandshakeLatency.Observe(time.Since(start).Seconds())
		assoc.Run()
	}
}

// handshakeFailed releases a flow whose session never established. Only this
// flow is affected; the dispatcher and other flows keep running, and the
// application observes a refused connection or dropped datagrams.
func (d *Dispatcher) handshakeFailed(f *flow.Flow, id flow.Identity, err error) {
	if d.verbose() {
		log.Printf("dispatch: %s: %v", id, err)
	}
	d.m.HandshakeFailures.WithLabelValues(failureReason(err)).Inc()
	f.Close()
	d.remove(id)
}

func failureReason(err error) string {
	var rep *socks5.ReplyError
	switch {
	case errors.As(err, &rep):
		return "reply"
	case errors.Is(err, socks5.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, socks5.ErrHandshakeRejected):
		return "rejected"
	case errors.Is(err, socks5.ErrTruncatedReply), errors.Is(err, socks5.ErrInvalidDatagram):
		return "protocol"
	default:
		return "connect"
	}
}

func (d *Dispatcher) remove(id flow.Identity) {
	d.mu.Lock()
	_, ok := d.active[id.Key()]
	delete(d.active, id.Key())
	d.mu.Unlock()
	if ok {
		d.m.FlowsActive.Dec()
	}
}

func (d *Dispatcher) verbose() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Verbose
}
