package registry

import (
	"context"
	"sync"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/authz"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// target is a resolved recipient and the job id its authorization is
// checked against.
type target struct {
	c     *client
	jobID string
}

// resolve picks local recipients for ev. Explicit targets win, then
// broadcast_to_all (and job-less events) go to every authenticated client
// whose permission covers the job, otherwise subscribers of the job that
// asked for this kind. Every target still passes Authorize with the job id.
func (r *Registry) resolve(ev notification.Event) []target {
	meta := ev.Meta()
	kind, jobID := ev.Kind(), ev.JobID()

	r.mu.RLock()
	var out []target
	switch {
	case meta.Targeted():
		seen := map[string]struct{}{}
		for _, id := range meta.TargetClients {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if c, ok := r.clients[id]; ok {
				out = append(out, target{c: c, jobID: jobID})
			}
		}
	case meta.BroadcastToAll || jobID == "":
		out = make([]target, 0, len(r.clients))
		for _, c := range r.clients {
			out = append(out, target{c: c, jobID: jobID})
		}
	default:
		for id := range r.jobSubs[jobID] {
			c := r.clients[id]
			if c != nil && c.wants(kind, jobID) {
				out = append(out, target{c: c, jobID: jobID})
			}
		}
	}
	r.mu.RUnlock()

	if meta.IsBroadcast() || (!meta.Targeted() && jobID == "") {
		kept := out[:0]
		for _, t := range out {
			if r.broadcastEligible(t.c.id, jobID) {
				kept = append(kept, t)
			}
		}
		out = kept
	}
	return out
}

// broadcastEligible keeps clients without access to jobID out of a broadcast
// entirely, so they are neither sent to nor reported.
func (r *Registry) broadcastEligible(clientID, jobID string) bool {
	switch r.authz.State(clientID) {
	case authz.StateAuthenticated, authz.StateActive:
	default:
		return false
	}
	if jobID == "" {
		return true
	}
	perm, ok := r.authz.Permission(clientID)
	return ok && perm.AllowsJob(jobID)
}

// Broadcast delivers ev to every resolved client and waits for the
// outcomes. Each client is authorized separately; a denial, a full outbox or
// a failed send is false for that client only.
func (r *Registry) Broadcast(ctx context.Context, ev notification.Event) map[string]bool {
	if ev == nil {
		return map[string]bool{}
	}
	r.stats.broadcasts.Add(1)
	r.seen.mark(ev.Meta().NotificationID)
	if ev.Meta().Expired(r.now()) {
		r.stats.expired.Add(1)
		return map[string]bool{}
	}

	targets := r.resolve(ev)
	results := make(map[string]bool, len(targets))
	pending := make(map[string]chan bool, len(targets))
	for _, t := range targets {
		ch := make(chan bool, 1)
		if !r.offer(ctx, t, ev, ch) {
			results[t.c.id] = false
			continue
		}
		pending[t.c.id] = ch
	}
	for id, ch := range pending {
		select {
		case ok := <-ch:
			results[id] = ok
		case <-ctx.Done():
			results[id] = false
		}
	}
	return results
}

// Fanout hands ev to every resolved client without waiting for the sends,
// and returns how many outboxes accepted it. Notification ids already seen
// recently are skipped, so a message arriving on several channels is
// delivered once.
func (r *Registry) Fanout(ctx context.Context, ev notification.Event) int {
	if ev == nil {
		return 0
	}
	if !r.seen.mark(ev.Meta().NotificationID) {
		r.stats.duplicates.Add(1)
		return 0
	}
	if ev.Meta().Expired(r.now()) {
		r.stats.expired.Add(1)
		return 0
	}
	n := 0
	for _, t := range r.resolve(ev) {
		if r.offer(ctx, t, ev, nil) {
			n++
		}
	}
	return n
}

// offer authorizes and enqueues one delivery.
func (r *Registry) offer(ctx context.Context, t target, ev notification.Event, result chan bool) bool {
	if !r.authz.Authorize(t.c.id, ev.Kind(), t.jobID, "") {
		t.c.denied.Add(1)
		return false
	}
	if err := t.c.enqueue(outItem{ev: ev, result: result}); err != nil {
		t.c.dropped.Add(1)
		r.engine.HandleFailure(ctx, t.c.id, ev, err)
		return false
	}
	return true
}

// Push enqueues ev for one client without an authorization check. Server
// generated events such as heartbeats use it.
func (r *Registry) Push(clientID string, ev notification.Event) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.enqueue(outItem{ev: ev}); err != nil {
		c.dropped.Add(1)
		return false
	}
	return true
}

// SendControl enqueues a control message behind any pending notifications
// for the client.
func (r *Registry) SendControl(clientID string, msg notification.ControlMessage) bool {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := c.enqueue(outItem{raw: msg.Encode()}); err != nil {
		c.dropped.Add(1)
		return false
	}
	return true
}

// onMessage is the broker handler for every channel the registry holds. It
// runs on the broker's dispatch goroutine, so it only enqueues.
func (r *Registry) onMessage(channel string, payload []byte) {
	ev, err := notification.Decode(payload)
	if err != nil {
		r.stats.decodeErrors.Add(1)
		r.log.Warn("undecodable broker message", logx.String("channel", channel), logx.Err(err))
		return
	}
	r.Fanout(r.sup.Context(), ev)
}

// dedup remembers a bounded window of notification ids.
type dedup struct {
	mu    sync.Mutex
	size  int
	ids   map[string]struct{}
	order []string
}

func newDedup(size int) *dedup {
	return &dedup{size: size, ids: make(map[string]struct{}, size)}
}

// mark records id and reports whether it was new. Empty ids are always new.
func (d *dedup) mark(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return false
	}
	if len(d.order) >= d.size {
		delete(d.ids, d.order[0])
		d.order = d.order[1:]
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	return true
}
