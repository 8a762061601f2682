package imap

// Queue orders and groups Commands for one session (spec.md §4.6
// Command grouping, execution order).
type Queue struct {
	running []Command // currently in the Executing state
	blocked []Command // waiting for the running set to become compatible
	done    []Command // completed, awaiting response emission in arrival order
	order   []Command // full arrival order, for response sequencing
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue { return &Queue{} }

// Add admits cmd to the queue: it joins the running set immediately if
// compatible, or the Blocked set otherwise.
func (q *Queue) Add(cmd Command) {
	q.order = append(q.order, cmd)
	if q.compatible(cmd) {
		q.running = append(q.running, cmd)
		return
	}
	q.blocked = append(q.blocked, cmd)
}

// compatible reports whether cmd may join the currently running set:
// the running set must be empty, or cmd and every running command must
// share a single nonzero group.
func (q *Queue) compatible(cmd Command) bool {
	if len(q.running) == 0 {
		return true
	}
	if cmd.Group() == GroupExclusive {
		return false
	}
	for _, r := range q.running {
		if r.Group() != cmd.Group() {
			return false
		}
	}
	return true
}

// Run calls Execute on every running command, moves completed ones to
// done, then promotes as many blocked commands as are now compatible and,
// if any were promoted, runs again so they execute in the same call.
// Returns the tagged+untagged response lines ready to flush, in arrival
// order, and whether any command is still outstanding.
func (q *Queue) Run() (responses []string, pending bool) {
	remaining := q.running[:0]
	for _, cmd := range q.running {
		if cmd.Execute() {
			q.done = append(q.done, cmd)
		} else {
			remaining = append(remaining, cmd)
		}
	}
	q.running = remaining
	blocked := len(q.blocked)
	q.promote()
	if len(q.blocked) < blocked {
		return q.Run()
	}

	return q.flushDone(), len(q.running) > 0 || len(q.blocked) > 0
}

// promote moves blocked commands into the running set in arrival order
// for as long as they remain compatible with what's already running.
func (q *Queue) promote() {
	for len(q.blocked) > 0 {
		cmd := q.blocked[0]
		if !q.compatible(cmd) {
			break
		}
		q.blocked = q.blocked[1:]
		q.running = append(q.running, cmd)
	}
}

// flushDone emits responses for every completed command that is next
// in arrival order (spec.md §4.6: "emits responses on completed
// commands in arrival order, removes them").
func (q *Queue) flushDone() []string {
	var out []string
	for len(q.order) > 0 {
		next := q.order[0]
		idx := indexOf(q.done, next)
		if idx < 0 {
			break // the head of arrival order hasn't completed yet
		}
		out = append(out, next.Responses()...)
		q.done = append(q.done[:idx], q.done[idx+1:]...)
		q.order = q.order[1:]
	}
	return out
}

func indexOf(cmds []Command, target Command) int {
	for i, c := range cmds {
		if c == target {
			return i
		}
	}
	return -1
}

// Idle reports whether the queue has no running, blocked, or
// unflushed-done commands.
func (q *Queue) Idle() bool {
	return len(q.running) == 0 && len(q.blocked) == 0 && len(q.order) == 0
}
