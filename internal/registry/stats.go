package registry

import (
	"sort"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
)

type Stats struct {
	Connections   int    `json:"connections"`
	Users         int    `json:"users"`
	Jobs          int    `json:"jobs"`
	JobChannels   int    `json:"job_channels"`
	Subscriptions int    `json:"subscriptions"`
	Connects      uint64 `json:"connects"`
	Disconnects   uint64 `json:"disconnects"`
	Rejected      uint64 `json:"rejected"`
	Broadcasts    uint64 `json:"broadcasts"`
	Sent          uint64 `json:"sent"`
	Failed        uint64 `json:"failed"`
	Denied        uint64 `json:"denied"`
	Dropped       uint64 `json:"dropped"`
	Duplicates    uint64 `json:"duplicates"`
	Expired       uint64 `json:"expired"`
	DecodeErrors  uint64 `json:"decode_errors"`
}

// ClientStats is the per-connection view returned to clients on get_stats.
type ClientStats struct {
	ClientID          string                         `json:"client_id"`
	UserID            string                         `json:"user_id"`
	ConnectedAt       time.Time                      `json:"connected_at"`
	LastActivity      time.Time                      `json:"last_activity"`
	Subscriptions     map[string][]notification.Kind `json:"subscriptions"`
	SubscriptionCount int                            `json:"subscription_count"`
	Sent              uint64                         `json:"messages_sent"`
	Failed            uint64                         `json:"messages_failed"`
	Denied            uint64                         `json:"messages_denied"`
	Dropped           uint64                         `json:"messages_dropped"`
	Queued            int                            `json:"queued"`
}

// Stats aggregates registry counters. Per-client counters of clients that
// already left are not included.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	st := Stats{
		Connections: len(r.clients),
		Users:       len(r.byUser),
		Jobs:        len(r.jobSubs),
		JobChannels: len(r.jobHandles) * len(notification.JobKinds()),
	}
	for _, c := range r.clients {
		st.Subscriptions += len(c.subs)
		st.Sent += c.sent.Load()
		st.Failed += c.failed.Load()
		st.Denied += c.denied.Load()
		st.Dropped += c.dropped.Load()
	}
	r.mu.RUnlock()

	st.Connects = r.stats.connects.Load()
	st.Disconnects = r.stats.disconnects.Load()
	st.Rejected = r.stats.rejected.Load()
	st.Broadcasts = r.stats.broadcasts.Load()
	st.Duplicates = r.stats.duplicates.Load()
	st.Expired = r.stats.expired.Load()
	st.DecodeErrors = r.stats.decodeErrors.Load()
	return st
}

func (r *Registry) ClientStats(clientID string) (ClientStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return ClientStats{}, false
	}
	subs := make(map[string][]notification.Kind, len(c.subs))
	for jobID, kinds := range c.subs {
		list := make([]notification.Kind, 0, len(kinds))
		for k := range kinds {
			list = append(list, k)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		subs[jobID] = list
	}
	return ClientStats{
		ClientID:          c.id,
		UserID:            c.userID,
		ConnectedAt:       c.connectedAt,
		LastActivity:      c.activity(),
		Subscriptions:     subs,
		SubscriptionCount: len(c.subs),
		Sent:              c.sent.Load(),
		Failed:            c.failed.Load(),
		Denied:            c.denied.Load(),
		Dropped:           c.dropped.Load(),
		Queued:            len(c.out),
	}, true
}
