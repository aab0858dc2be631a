// Implements the control inbox. External producers submit jobs, policy
// switches and maintenance actions from any goroutine; the colony applies
// them in submission order at the next tick boundary.

package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownWorker is returned when a command names a worker that does not exist.
var ErrUnknownWorker = errors.New("unknown worker")

// ControlSource marks debts and intents created through the control surface.
const ControlSource = "control"

type command interface {
	apply(c *Colony) error
	describe() string
}

type submitJob struct{ req JobRequest }
type setPolicy struct{ policy Policy }
type reconfigure struct{ tunables Tunables }
type maintain struct{ workerID string }
type cure struct{ cureID string }
type unlockResearch struct {
	name string
	mod  ResearchModifier
}
type proposeMutation struct{ intent Intent }

func (cmd submitJob) describe() string       { return "submit job for pipeline " + cmd.req.Pipeline.ID }
func (cmd setPolicy) describe() string       { return "set policy " + cmd.policy.String() }
func (reconfigure) describe() string         { return "reconfigure tunables" }
func (cmd maintain) describe() string        { return "maintain worker " + cmd.workerID }
func (cmd cure) describe() string            { return "cure " + cmd.cureID }
func (cmd unlockResearch) describe() string  { return "unlock research " + cmd.name }
func (cmd proposeMutation) describe() string { return fmt.Sprintf("propose %s", cmd.intent.Kind()) }

func (cmd submitJob) apply(c *Colony) error {
	_, err := c.submit(cmd.req)
	return err
}

func (cmd setPolicy) apply(c *Colony) error {
	if c.policy != cmd.policy {
		logrus.Infof("[tick %07d] scheduler policy %s -> %s", c.tick, c.policy, cmd.policy)
	}
	c.policy = cmd.policy
	return nil
}

func (cmd reconfigure) apply(c *Colony) error {
	c.tunables = cmd.tunables.Clamp()
	return nil
}

func (cmd maintain) apply(c *Colony) error {
	w, ok := c.workerByID[cmd.workerID]
	if !ok {
		return fmt.Errorf("maintain %q: %w", cmd.workerID, ErrUnknownWorker)
	}
	w.Corruption /= 2
	if w.State == WorkerRecovering {
		w.State = WorkerIdle
		w.RecoverAt = 0
		w.resetRetries()
		logrus.Infof("[tick %07d] worker %s returned to service", c.tick, w.ID)
	}
	return nil
}

func (cmd cure) apply(c *Colony) error {
	sources := c.swans.CuredSources(cmd.cureID)
	if len(sources) == 0 {
		return fmt.Errorf("cure %q: no black swan declares it", cmd.cureID)
	}
	removed := c.ledger.RemoveBySource(sources)
	logrus.Infof("[tick %07d] cure %q removed %d debts", c.tick, cmd.cureID, removed)
	return nil
}

func (cmd unlockResearch) apply(c *Colony) error {
	if _, ok := c.research[cmd.name]; ok {
		return fmt.Errorf("research %q already unlocked", cmd.name)
	}
	c.research[cmd.name] = cmd.mod
	return nil
}

func (cmd proposeMutation) apply(c *Colony) error {
	c.raiseIntent(cmd.intent.withMeta(IntentMeta{Tick: c.tick, Source: ControlSource}))
	return nil
}

// Inbox queues control commands for the next tick boundary.
// All methods are safe for concurrent use.
type Inbox struct {
	mu      sync.Mutex
	pending []command
}

func (in *Inbox) push(cmd command) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pending = append(in.pending, cmd)
}

// drain removes and returns every pending command in submission order.
func (in *Inbox) drain() []command {
	in.mu.Lock()
	defer in.mu.Unlock()
	cmds := in.pending
	in.pending = nil
	return cmds
}

// Len returns the number of commands waiting for the next tick.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// SubmitJob validates req and queues it. The job ID is assigned when the
// job enters the colony.
func (in *Inbox) SubmitJob(req JobRequest) error {
	if _, err := NewJob("pending", req); err != nil {
		return err
	}
	in.push(submitJob{req: req})
	return nil
}

// SetPolicy switches the scheduler policy. Work already dispatched is not migrated.
func (in *Inbox) SetPolicy(p Policy) error {
	if _, ok := policyNames[p]; !ok {
		return fmt.Errorf("set policy: invalid policy %d", int(p))
	}
	in.push(setPolicy{policy: p})
	return nil
}

// Reconfigure hot-swaps the tunables. Values are clamped when applied.
func (in *Inbox) Reconfigure(t Tunables) {
	in.push(reconfigure{tunables: t})
}

// Maintain services a worker: its corruption is halved and, if it is
// quarantined after a sticky config fault, it returns to service.
func (in *Inbox) Maintain(workerID string) {
	in.push(maintain{workerID: workerID})
}

// Cure removes every active debt created by black swans declaring cureID.
func (in *Inbox) Cure(cureID string) {
	in.push(cure{cureID: cureID})
}

// UnlockResearch adds a permanent multiplier under name.
func (in *Inbox) UnlockResearch(name string, mod ResearchModifier) error {
	if name == "" {
		return fmt.Errorf("unlock research: empty name")
	}
	if !ValidResearchKeys[mod.Key] {
		return fmt.Errorf("unlock research %q: unknown key %q", name, mod.Key)
	}
	if mod.Mult <= 0 {
		return fmt.Errorf("unlock research %q: multiplier must be positive, got %f", name, mod.Mult)
	}
	in.push(unlockResearch{name: name, mod: mod})
	return nil
}

// ProposeMutation forwards a pipeline mutation to the intent stream.
func (in *Inbox) ProposeMutation(i Intent) error {
	if i == nil {
		return fmt.Errorf("propose mutation: nil intent")
	}
	in.push(proposeMutation{intent: i})
	return nil
}
