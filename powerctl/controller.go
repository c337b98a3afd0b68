// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🔋 POWERED CORES STATE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Component: Policy half of the core power controller
//
// Description:
//   Collects the online and recommendation requests of every power client and reduces them to
//   one target: the cores to keep online, the cores that are only temporarily down, and the
//   cores the power side recommends. The scheduler applies the target; see Worker.
//
// Reduction:
//   - Each opinionated client narrows the online set; required clients widen it again.
//   - Unmanaged cores are always online. While suspended or asleep every managed core is.
//   - An empty online set is replaced by the last-resort core.
//   - Temporary-down is only meaningful for cores that are offline.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package powerctl

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"schedcore/cpumap"
	"schedcore/debug"
)

// Client identifies who is asking for a power change.
type Client uint8

const (
	ClientUser           Client = iota // administrative requests
	ClientPerfSystem                   // performance controller, system policy
	ClientPerfUser                     // performance controller, user policy
	ClientPMRequired                   // power management minimum
	ClientSystemRequired               // cores the system cannot run without
	clientCount
)

func (c Client) String() string {
	return [...]string{"user", "perf_system", "perf_user", "pm_required", "system_required"}[c]
}

// required reports whether the client names cores that must stay online.
func (c Client) required() bool { return c == ClientPMRequired || c == ClientSystemRequired }

// ErrUnbalancedResume is returned by Resume without a matching Suspend.
var ErrUnbalancedResume = errors.New("resume without suspend")

// Targets is the reduced request.
type Targets struct {
	Online      cpumap.Map
	TempDown    cpumap.Map
	Recommended cpumap.Map
	Sleeping    bool
}

// Controller holds the powered cores state of one machine.
type Controller struct {
	mu sync.Mutex

	all        cpumap.Map
	lastResort int
	managed    cpumap.Map

	online      [clientCount]cpumap.Map
	hasOnline   [clientCount]bool
	recommended [clientCount]cpumap.Map
	hasRec      [clientCount]bool
	tempDown    cpumap.Map

	suspend  int
	sleeping bool
	gen      uint64
}

// New returns a controller for cpus processors where every core is managed
// and lastResort is kept online when nothing else is.
func New(cpus, lastResort int) (*Controller, error) {
	if cpus <= 0 || cpus > 64 {
		return nil, errors.Newf("powerctl: %d cpus out of range", cpus)
	}
	if lastResort < 0 || lastResort >= cpus {
		return nil, errors.Newf("powerctl: last resort cpu %d out of range", lastResort)
	}
	all := cpumap.Range(cpus)
	return &Controller{all: all, lastResort: lastResort, managed: all}, nil
}

// Generation increases with every change to the request state.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Controller) changed() { c.gen++ }

// RequestOnline records client's online request.
func (c *Controller) RequestOnline(client Client, m cpumap.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[client] = m & c.all
	c.hasOnline[client] = true
	c.changed()
}

// ClearOnline withdraws client's online request.
func (c *Controller) ClearOnline(client Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasOnline[client] = false
	c.changed()
}

// Recommend records client's recommendation.
func (c *Controller) Recommend(client Client, m cpumap.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recommended[client] = m & c.all
	c.hasRec[client] = true
	c.changed()
}

// ClearRecommend withdraws client's recommendation.
func (c *Controller) ClearRecommend(client Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasRec[client] = false
	c.changed()
}

// SetManaged selects the cores under power management.
func (c *Controller) SetManaged(m cpumap.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.managed = m & c.all
	c.changed()
}

// SetTempDown marks cores expected back soon when they go offline.
func (c *Controller) SetTempDown(m cpumap.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempDown = m & c.all
	c.changed()
}

// Suspend forces every managed core online until the matching Resume.
func (c *Controller) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspend++
	c.changed()
}

// Resume releases one Suspend.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspend == 0 {
		return ErrUnbalancedResume
	}
	c.suspend--
	c.changed()
	return nil
}

// SetSleeping enters or leaves system sleep. Sleep suspends.
func (c *Controller) SetSleeping(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sleeping == on {
		return
	}
	c.sleeping = on
	c.changed()
}

// Targets reduces the current requests.
func (c *Controller) Targets() Targets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetsLocked()
}

func (c *Controller) targetsLocked() Targets {
	online := c.all
	var required cpumap.Map
	for cl := Client(0); cl < clientCount; cl++ {
		if !c.hasOnline[cl] {
			continue
		}
		if cl.required() {
			required |= c.online[cl]
			continue
		}
		online &= c.online[cl]
	}
	online |= required
	online |= c.all &^ c.managed
	if c.suspend > 0 || c.sleeping {
		online |= c.managed
	}
	if online.Empty() {
		online = cpumap.Of(c.lastResort)
		debug.DropFields("powerctl", "no core requested online; keeping last resort", logrus.Fields{
			"cpu": c.lastResort,
		})
	}

	rec := c.all
	for cl := Client(0); cl < clientCount; cl++ {
		if c.hasRec[cl] {
			rec &= c.recommended[cl]
		}
	}

	return Targets{
		Online:      online,
		TempDown:    c.tempDown &^ online,
		Recommended: rec,
		Sleeping:    c.sleeping,
	}
}

// Suspended reports whether a Suspend is outstanding.
func (c *Controller) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suspend > 0
}
