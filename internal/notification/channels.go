package notification

import "strings"

// ChannelPrefix roots every broker channel used by the service.
const ChannelPrefix = "notifications"

// BroadcastChannel carries events for every authorized client.
func BroadcastChannel(k Kind) string {
	return ChannelPrefix + ":" + string(k)
}

// JobChannel carries events for subscribers of one job.
func JobChannel(k Kind, jobID string) string {
	return BroadcastChannel(k) + ":analysis:" + jobID
}

// ClientChannel carries events addressed to one client.
func ClientChannel(k Kind, clientID string) string {
	return BroadcastChannel(k) + ":client:" + clientID
}

// ChannelsFor resolves the channels an event is published on. Explicit targets
// win over broadcast_to_all, which wins over the job channel.
func ChannelsFor(ev Event) []string {
	if ev == nil {
		return nil
	}
	m := ev.Meta()
	k := ev.Kind()
	switch {
	case m.Targeted():
		out := make([]string, 0, len(m.TargetClients))
		seen := make(map[string]struct{}, len(m.TargetClients))
		for _, id := range m.TargetClients {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, ClientChannel(k, id))
		}
		return out
	case m.BroadcastToAll || ev.JobID() == "":
		return []string{BroadcastChannel(k)}
	default:
		return []string{JobChannel(k, ev.JobID())}
	}
}
