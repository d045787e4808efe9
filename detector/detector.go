// Package detector implements the per-process failure detector: a probe
// loop that pings random peers, hints suspected-dead servers to the
// coordinator, and notices when the local server directory has gone stale.
package detector

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"rampart/directory"
	"rampart/protocol"
	"rampart/transport"
)

// CoordinatorClient is the slice of the coordinator API the detector
// needs. Both calls are best-effort; failures are logged and retried on a
// later round.
type CoordinatorClient interface {
	HintServerDown(id protocol.ServerID) error
	RequestServerList(id protocol.ServerID) error
}

// Options tunes a Detector.
type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// StaleTimeout is how long an observed version gap may persist before
	// the detector requests a fresh directory.
	StaleTimeout time.Duration
}

// Detector pings one random peer per probe interval on its own goroutine.
// It shares no locks with the replica manager; membership flows to the
// rest of the system only through the server list and the coordinator.
type Detector struct {
	ourID      protocol.ServerID
	tracker    *directory.Tracker[struct{}]
	serverList *directory.ServerList
	pinger     transport.Pinger
	coord      CoordinatorClient
	opts       Options
	logger     *slog.Logger

	// Staleness suspicion state, touched only by the probe goroutine.
	staleSuspected bool
	staleVersion   uint64
	staleSince     time.Time

	haltOnce sync.Once
	halt     chan struct{}
	done     chan struct{}
}

// New creates a detector for the server ourID, watching serverList and
// probing through pinger.
func New(ourID protocol.ServerID, serverList *directory.ServerList,
	pinger transport.Pinger, coord CoordinatorClient, opts Options, logger *slog.Logger) *Detector {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 100 * time.Millisecond
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = opts.ProbeInterval / 2
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = 2 * time.Second
	}

	d := &Detector{
		ourID:      ourID,
		tracker:    directory.NewTracker[struct{}](logger, nil),
		serverList: serverList,
		pinger:     pinger,
		coord:      coord,
		opts:       opts,
		logger:     logger,
		halt:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	serverList.RegisterTracker(d.tracker)
	return d
}

// Start launches the probe goroutine. Use Halt to stop it.
func (d *Detector) Start() {
	go d.run()
}

// Halt stops the probe goroutine and waits for it to exit.
func (d *Detector) Halt() {
	d.haltOnce.Do(func() { close(d.halt) })
	<-d.done
}

func (d *Detector) run() {
	defer close(d.done)
	d.logger.Info("failure detector started", "interval", d.opts.ProbeInterval)

	ticker := time.NewTicker(d.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.halt:
			return
		case <-ticker.C:
		}

		// Drain membership changes to keep the tracker's view current.
		for {
			if _, _, ok := d.tracker.GetChange(); !ok {
				break
			}
		}

		d.checkForStaleServerList()
		d.pingRandomServer()
	}
}

// pingRandomServer probes one random peer offering the ping service. Only
// one ping is outstanding at a time. A timeout or transport error turns
// into a failure hint to the coordinator.
func (d *Detector) pingRandomServer() {
	pingee := d.tracker.RandomWithService(protocol.PingService)
	if !pingee.IsValid() || pingee.Equals(d.ourID) {
		// No one to talk to, or we drew ourselves. Try again next round.
		return
	}

	locator, err := d.tracker.Locator(pingee)
	if err != nil {
		// Not an error: the peer was removed between selection and use.
		// Uncommon race with the membership feed; skip this round.
		d.logger.Debug("pingee vanished before probe", "server", pingee)
		return
	}

	nonce := rand.Uint64()
	version, err := d.pinger.Ping(locator, nonce, d.opts.ProbeTimeout)
	if err != nil {
		d.alertCoordinator(pingee, locator, err)
		return
	}
	d.checkServerListVersion(version)
}

// alertCoordinator sends a failure hint, swallowing transport errors; the
// next probe round will hint again if the peer is still unresponsive.
func (d *Detector) alertCoordinator(id protocol.ServerID, locator string, cause error) {
	d.logger.Warn("ping timeout", "server", id, "locator", locator, "err", cause)
	if err := d.coord.HintServerDown(id); err != nil {
		d.logger.Warn("hint server down failed, maybe the network is disconnected",
			"server", id, "err", err)
	}
}

// checkServerListVersion compares a peer's directory version against ours.
// Seeing a newer version starts a suspicion clock rather than acting
// immediately: the coordinator may simply not have reached us yet.
func (d *Detector) checkServerListVersion(observed uint64) {
	if d.staleSuspected {
		// Already suspicious; the timeout path in checkForStaleServerList
		// owns the decision from here.
		return
	}
	current := d.serverList.Version()
	if observed <= current {
		return
	}
	d.staleSuspected = true
	d.staleVersion = current
	d.staleSince = time.Now()
	d.logger.Debug("server list may be stale", "have", current, "saw", observed)
}

// checkForStaleServerList resolves a pending suspicion: dropped if the
// local version advanced on its own, otherwise — after the hysteresis
// timeout — a fresh directory is requested and suspicion drops regardless
// of whether the request succeeded.
func (d *Detector) checkForStaleServerList() {
	if !d.staleSuspected {
		return
	}
	current := d.serverList.Version()
	if current > d.staleVersion {
		d.staleSuspected = false
		return
	}
	if time.Since(d.staleSince) < d.opts.StaleTimeout {
		return
	}

	d.logger.Warn("stale server list detected, requesting new list push",
		"have", current, "stuckSince", d.staleSince)
	if err := d.coord.RequestServerList(d.ourID); err != nil &&
		!errors.Is(err, protocol.ErrClosed) {
		d.logger.Warn("request to coordinator failed", "err", err)
	}
	d.staleSuspected = false
}
