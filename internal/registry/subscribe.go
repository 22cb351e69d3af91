package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/broker"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Subscribe records interest of clientID in jobID for kinds (all job kinds
// when empty). It fails when the client is unknown or unauthorized for the
// job, when a kind is invalid, or when a new subscription would exceed the
// client's permitted concurrency. Re-subscribing to a job replaces its kinds.
func (r *Registry) Subscribe(ctx context.Context, clientID, jobID string, kinds []notification.Kind) bool {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return false
	}
	set := make(map[notification.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		if k == notification.KindHeartbeat || !k.Valid() {
			return false
		}
		set[k] = struct{}{}
	}

	if !r.authz.CanAccessJob(clientID, jobID) {
		return false
	}
	perm, ok := r.authz.Permission(clientID)
	if !ok {
		return false
	}

	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	r.mu.Lock()
	c, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	_, existing := c.subs[jobID]
	if !existing && len(c.subs) >= perm.MaxSubscriptions() {
		r.mu.Unlock()
		r.log.Debug("subscription limit reached", logx.String("client_id", clientID), logx.Int("max", perm.MaxSubscriptions()))
		return false
	}
	c.subs[jobID] = set
	if r.jobSubs[jobID] == nil {
		r.jobSubs[jobID] = map[string]struct{}{}
	}
	r.jobSubs[jobID][clientID] = struct{}{}
	_, have := r.jobHandles[jobID]
	r.mu.Unlock()

	if have {
		return true
	}
	handles, ok := r.subscribeJob(ctx, jobID)
	if !ok {
		r.mu.Lock()
		if c.subs[jobID] != nil && !existing {
			delete(c.subs, jobID)
			r.leaveJobLocked(jobID, clientID)
		}
		r.mu.Unlock()
		return false
	}
	r.mu.Lock()
	r.jobHandles[jobID] = handles
	r.mu.Unlock()
	r.log.Debug("job channels subscribed", logx.String("analysis_id", jobID))
	return true
}

// Unsubscribe removes the client's interest in jobID. The last local
// subscriber releases the job channels.
func (r *Registry) Unsubscribe(ctx context.Context, clientID, jobID string) bool {
	r.jobMu.Lock()
	defer r.jobMu.Unlock()

	r.mu.Lock()
	c, ok := r.clients[clientID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if _, had := c.subs[jobID]; !had {
		r.mu.Unlock()
		return false
	}
	delete(c.subs, jobID)
	last := r.leaveJobLocked(jobID, clientID)
	r.mu.Unlock()

	if last {
		r.releaseJobLocked(ctx, jobID)
	}
	return true
}

// Subscriptions lists the jobs clientID is subscribed to, sorted.
func (r *Registry) Subscriptions(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.subs))
	for jobID := range c.subs {
		out = append(out, jobID)
	}
	sort.Strings(out)
	return out
}

// leaveJobLocked drops clientID from the job's subscriber set and reports
// whether it was the last one. Callers hold mu.
func (r *Registry) leaveJobLocked(jobID, clientID string) bool {
	set := r.jobSubs[jobID]
	if set == nil {
		return false
	}
	delete(set, clientID)
	if len(set) > 0 {
		return false
	}
	delete(r.jobSubs, jobID)
	return true
}

// subscribeJob opens one broker subscription per job kind. Callers hold
// jobMu.
func (r *Registry) subscribeJob(ctx context.Context, jobID string) ([]broker.SubscriptionID, bool) {
	var handles []broker.SubscriptionID
	for _, k := range notification.JobKinds() {
		id, ok := r.broker.Subscribe(ctx, notification.JobChannel(k, jobID), r.onMessage)
		if !ok {
			r.log.Warn("job channel subscription failed", logx.String("analysis_id", jobID), logx.String("event_type", string(k)))
			r.releaseHandles(ctx, handles)
			return nil, false
		}
		handles = append(handles, id)
	}
	return handles, true
}

// releaseJobLocked unsubscribes the job channels unless a subscriber
// reappeared. Callers hold jobMu.
func (r *Registry) releaseJobLocked(ctx context.Context, jobID string) {
	r.mu.Lock()
	if len(r.jobSubs[jobID]) > 0 {
		r.mu.Unlock()
		return
	}
	handles := r.jobHandles[jobID]
	delete(r.jobHandles, jobID)
	r.mu.Unlock()

	r.releaseHandles(ctx, handles)
	if len(handles) > 0 {
		r.log.Debug("job channels released", logx.String("analysis_id", jobID))
	}
}
