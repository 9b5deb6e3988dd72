package tsa

import (
	"github.com/lonstack/go-tsa/appio"
	"github.com/lonstack/go-tsa/auth"
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/metrics"
	"github.com/lonstack/go-tsa/queue"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/sn"
	"github.com/lonstack/go-tsa/tcs"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/tlog"
	"github.com/lonstack/go-tsa/tp"
	"github.com/lonstack/go-tsa/wire"
)

// lane bundles one priority lane's TX record with the TP and SN
// handlers that share it, matching spec section 3's "exactly one TX in
// use per priority lane".
type lane struct {
	TX record.TX
	TP *tp.Handler
	SN *sn.Handler
}

// Context is the explicit stack-context struct spec section 9's design
// note asks for in place of the source's global protocol state: every
// queue, table, and per-lane handler one running TSA instance needs,
// threaded through the scheduler pass (Tick). Multiple independent stacks in one
// process are just multiple Contexts.
type Context struct {
	Cfg     Config
	Domains *domain.Table
	TCS     *tcs.TCS
	Pool    *record.Pool
	Auth    *auth.Handler
	Metrics *metrics.Set
	Log     tlog.Tlog

	NetOut *queue.Queue[tp.Frame]
	AppIn  *queue.Queue[appio.Delivery]
	AppOut [2]*queue.Queue[appio.SendRequest]
	Done   *queue.Queue[appio.Completion]
	RespIn *queue.Queue[appio.ResponseItem]

	lanes [2]*lane

	// resetUntil gates TP/SN send handlers while the TS reset delay
	// (spec section 5) is in effect; zero means no reset in progress.
	resetUntil timer.Time
}

// NewContext builds a Context: every queue sized from cfg, both lanes'
// TP/SN handlers wired to share the same TCS, domain table, and network
// out-queue, per spec section 5's single scheduler over both lanes.
func NewContext(cfg Config, domains *domain.Table, metricsNamespace string) (*Context, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	version := wire.VersionLegacy
	if cfg.VersionEnhanced {
		version = wire.VersionEnhanced
	}

	c := &Context{
		Cfg:     cfg,
		Domains: domains,
		TCS:     tcs.New(cfg.TCSTableSize),
		Pool:    record.NewPool(cfg.RRPoolSize),
		Metrics: metrics.New(metricsNamespace),
		NetOut:  queue.New[tp.Frame](cfg.NetQueueCapacity),
		AppIn:   queue.New[appio.Delivery](cfg.AppInCapacity),
		Done:    queue.New[appio.Completion](cfg.CompletionCapacity),
		RespIn:  queue.New[appio.ResponseItem](cfg.ResponseCapacity),
	}
	c.Log = tlog.New("tsa")
	c.Log.LogMode(true)

	c.Auth = auth.NewHandler(tcs.LaneNonPriority, cfg.LocalSubnet, cfg.LocalNode, tableKeySource{domains}, c.Metrics, tlog.New("auth"))

	for i, l := range []tcs.Lane{tcs.LaneNonPriority, tcs.LanePriority} {
		out := queue.New[appio.SendRequest](cfg.AppOutCapacity)
		c.AppOut[i] = out

		tpLog := tlog.New("tp")
		tpLog.LogMode(true)
		snLog := tlog.New("sn")
		snLog.LogMode(true)

		ln := &lane{}
		ln.TP = tp.NewHandler(l, version, tp.Config{
			Retries:               cfg.Retries,
			TransmitTimerValue:    cfg.TransmitTimerValue,
			RepeatTimerValue:      cfg.RepeatTimerValue,
			AltPathCount:          cfg.AltPathCount,
			MaxGroupNumber:        cfg.MaxGroupNumber,
			BroadcastDeltaBacklog: cfg.BroadcastDeltaBacklog,
			LocalSubnet:           cfg.LocalSubnet,
			LocalNode:             cfg.LocalNode,
		}, c.TCS, domains, netOutAdapter{c.NetOut}, tpSends(out), c.Done, c.Metrics, tpLog)

		ln.SN = sn.NewHandler(l, version, sn.Config{
			Retries:            cfg.Retries,
			TransmitTimerValue: cfg.TransmitTimerValue,
			AltPathCount:       cfg.AltPathCount,
			MaxGroupNumber:     cfg.MaxGroupNumber,
			LocalSubnet:        cfg.LocalSubnet,
			LocalNode:          cfg.LocalNode,
			TransceiverParams:  cfg.TransceiverParams,
		}, c.TCS, domains, netOutAdapter{c.NetOut}, snSends(out), responseAdapter{c.RespIn}, c.Done, c.AppIn, c.Metrics, snLog)

		c.lanes[i] = ln
	}

	return c, nil
}

// Reset implements spec section 5's TS reset delay: TP/SN send handlers
// are held off for cfg.ResetDelay milliseconds from now, while ack,
// response, and auth reception stay live throughout.
func (c *Context) Reset(now timer.Time) {
	c.resetUntil = now + timer.Time(c.Cfg.ResetDelay)
}

// sendHeld reports whether the TS reset delay is still in effect.
func (c *Context) sendHeld(now timer.Time) bool {
	return c.resetUntil != 0 && now.Before(c.resetUntil)
}

// Stats is a point-in-time snapshot of every counter spec section 7
// describes informally, exposed so a test or status endpoint can assert
// exact values without scraping Prometheus.
type Stats = metrics.Snapshot

// Stats returns the current counter snapshot.
func (c *Context) Stats() Stats {
	return c.Metrics.Snapshot()
}
