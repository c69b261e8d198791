package clusterserver

import (
	"log/slog"
	"sync"
	"time"
)

// JoinState is a stage in the node bring-up lifecycle.
type JoinState int

const (
	// StateReset is the initial stage: no candidate identity has been
	// broadcast yet.
	StateReset JoinState = iota
	// StateWaiting is the fast discovery window following the first
	// broadcast, repeating at 200ms.
	StateWaiting
	// StateWaitingMore is the slow discovery window, entered either by
	// the WAITING timer expiring once or by a peer's WAVE extending it,
	// repeating at 600ms.
	StateWaitingMore
	// StateJoining means the discovery window has closed and the node is
	// actively joining the cluster.
	StateJoining
	// StateSetup means the node has a confirmed place in the cluster and
	// is building its local persistent identity.
	StateSetup
	// StateReady is the terminal success stage.
	StateReady
	// StateBad is the terminal failure stage.
	StateBad
)

func (s JoinState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateWaiting:
		return "WAITING"
	case StateWaitingMore:
		return "WAITING_MORE"
	case StateJoining:
		return "JOINING"
	case StateSetup:
		return "SETUP"
	case StateReady:
		return "READY"
	case StateBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

const (
	waitingInterval     = 200 * time.Millisecond
	waitingMoreInterval = 600 * time.Millisecond
)

// JoinStateMachine tracks a node's progress through the bring-up
// lifecycle RESET→WAITING→WAITING_MORE→JOINING→SETUP→READY, with BAD as
// a terminal failure stage. It does not itself speak the gossip wire
// protocol; it is driven by discovery events and timers and issues
// callbacks at each transition.
type JoinStateMachine struct {
	mu     sync.Mutex
	state  JoinState
	timer  *time.Timer
	logger *slog.Logger

	broadcastHello func() error
	joinCluster    func() error
	setupNode      func() error
	onBad          func(reason string)
}

// NewJoinStateMachine builds a JoinStateMachine in StateReset.
func NewJoinStateMachine(logger *slog.Logger) *JoinStateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	return &JoinStateMachine{state: StateReset, logger: logger}
}

// OnBroadcastHello registers the HELLO-broadcast hook, called once on
// boot and again when the WAITING timer first expires.
func (j *JoinStateMachine) OnBroadcastHello(fn func() error) { j.broadcastHello = fn }

// OnJoinCluster registers the hook fired on WAITING_MORE→JOINING.
func (j *JoinStateMachine) OnJoinCluster(fn func() error) { j.joinCluster = fn }

// OnSetupNode registers the hook fired on JOINING→SETUP; its error
// return decides whether the machine reaches READY or BAD.
func (j *JoinStateMachine) OnSetupNode(fn func() error) { j.setupNode = fn }

// OnBad registers a callback fired whenever the machine enters BAD.
func (j *JoinStateMachine) OnBad(fn func(reason string)) { j.onBad = fn }

// State returns the current lifecycle stage.
func (j *JoinStateMachine) State() JoinState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Start transitions RESET→WAITING: broadcasts the initial HELLO and
// schedules the 200ms fast-repeat timer.
func (j *JoinStateMachine) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = StateReset
	j.enterWaitingLocked()
}

func (j *JoinStateMachine) enterWaitingLocked() {
	if j.broadcastHello != nil {
		if err := j.broadcastHello(); err != nil {
			j.logger.Warn("join lifecycle: broadcast hello failed", "error", err)
		}
	}
	j.state = StateWaiting
	j.scheduleLocked(waitingInterval, j.onWaitingTimer)
}

func (j *JoinStateMachine) scheduleLocked(d time.Duration, fn func()) {
	if j.timer != nil {
		j.timer.Stop()
	}
	j.timer = time.AfterFunc(d, fn)
}

func (j *JoinStateMachine) onWaitingTimer() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateWaiting {
		return
	}
	if j.broadcastHello != nil {
		if err := j.broadcastHello(); err != nil {
			j.logger.Warn("join lifecycle: slow-cadence hello failed", "error", err)
		}
	}
	j.state = StateWaitingMore
	j.scheduleLocked(waitingMoreInterval, j.onWaitingMoreTimer)
}

// OnWave handles a WAVE reply from a peer: while still in the fast
// window it bumps straight to WAITING_MORE, extending the discovery
// window the way a peer accepting our HELLO is meant to.
func (j *JoinStateMachine) OnWave() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateWaiting {
		return
	}
	j.state = StateWaitingMore
	j.scheduleLocked(waitingMoreInterval, j.onWaitingMoreTimer)
}

func (j *JoinStateMachine) onWaitingMoreTimer() {
	j.mu.Lock()
	if j.state != StateWaitingMore {
		j.mu.Unlock()
		return
	}
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.state = StateJoining
	joinCluster := j.joinCluster
	j.mu.Unlock()

	if joinCluster != nil {
		if err := joinCluster(); err != nil {
			j.logger.Error("join lifecycle: join_cluster failed", "error", err)
		}
	}
}

// AdvanceToSetup implements the JOINING→SETUP→READY/BAD transition: it
// is a no-op unless the machine is currently JOINING.
func (j *JoinStateMachine) AdvanceToSetup() {
	j.mu.Lock()
	if j.state != StateJoining {
		j.mu.Unlock()
		return
	}
	j.state = StateSetup
	setupNode := j.setupNode
	j.mu.Unlock()

	var err error
	if setupNode != nil {
		err = setupNode()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.state = StateBad
		j.logger.Error("join lifecycle: setup_node failed", "error", err)
		if j.onBad != nil {
			j.onBad(err.Error())
		}
		return
	}
	j.state = StateReady
	j.logger.Info("join lifecycle complete", "state", StateReady)
}

// OnSneer handles a name collision rejection from a peer: in RESET,
// WAITING, WAITING_MORE or JOINING, an unexplained name collision resets back to
// RESET/WAITING and retries (the caller is responsible for regenerating
// the candidate name before the next broadcastHello fires); otherwise,
// or if the name was explicitly configured, the machine goes BAD.
func (j *JoinStateMachine) OnSneer(explicitName bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StateReset, StateWaiting, StateWaitingMore, StateJoining:
		if !explicitName {
			j.enterWaitingLocked()
			return
		}
	}

	j.state = StateBad
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	if j.onBad != nil {
		j.onBad("sneer received, no retry available")
	}
}

// Stop cancels any pending timer, used during server shutdown.
func (j *JoinStateMachine) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}
