package authz

import (
	"sort"
	"sync"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
)

type Level string

const (
	LevelReadOnly Level = "read_only"
	LevelStandard Level = "standard"
	LevelAdmin    Level = "admin"
)

// Scope is a coarse access category independent of job ids.
type Scope string

const (
	ScopeOwnJobs Scope = "own_jobs"
	ScopeAllJobs Scope = "all_jobs"
	ScopeSystem  Scope = "system"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeOwnJobs, ScopeAllJobs, ScopeSystem:
		return true
	}
	return false
}

// State is the lifecycle position of a client session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateActive          State = "active"
	StateExpired         State = "expired"
	StateInactive        State = "inactive"
	StateRevoked         State = "revoked"
)

// PermissionSpec is the plain-value form of a Permission, used to build one
// and to report it.
type PermissionSpec struct {
	Level              Level               `json:"level"`
	EventTypes         []notification.Kind `json:"event_types"`
	Scopes             []Scope             `json:"scopes"`
	Jobs               []string            `json:"allowed_analyses"`
	MaxSubscriptions   int                 `json:"max_concurrent_subscriptions"`
	RateLimitPerMinute int                 `json:"rate_limit_per_minute"`
	ExpiresAt          time.Time           `json:"expires_at,omitempty"`
}

// Permission is a mutable, shared permission record.
type Permission struct {
	mu               sync.RWMutex
	level            Level
	eventTypes       map[notification.Kind]struct{}
	scopes           map[Scope]struct{}
	jobs             map[string]struct{}
	maxSubscriptions int
	rateLimit        int
	expiresAt        time.Time
}

func NewPermission(spec PermissionSpec) *Permission {
	p := &Permission{
		level:            spec.Level,
		eventTypes:       make(map[notification.Kind]struct{}, len(spec.EventTypes)),
		scopes:           make(map[Scope]struct{}, len(spec.Scopes)),
		jobs:             make(map[string]struct{}, len(spec.Jobs)),
		maxSubscriptions: spec.MaxSubscriptions,
		rateLimit:        spec.RateLimitPerMinute,
		expiresAt:        spec.ExpiresAt,
	}
	if p.level == "" {
		p.level = LevelStandard
	}
	for _, k := range spec.EventTypes {
		p.eventTypes[k] = struct{}{}
	}
	for _, s := range spec.Scopes {
		p.scopes[s] = struct{}{}
	}
	for _, j := range spec.Jobs {
		if j != "" {
			p.jobs[j] = struct{}{}
		}
	}
	return p
}

func (p *Permission) Snapshot() PermissionSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	spec := PermissionSpec{
		Level:              p.level,
		MaxSubscriptions:   p.maxSubscriptions,
		RateLimitPerMinute: p.rateLimit,
		ExpiresAt:          p.expiresAt,
	}
	for k := range p.eventTypes {
		spec.EventTypes = append(spec.EventTypes, k)
	}
	for s := range p.scopes {
		spec.Scopes = append(spec.Scopes, s)
	}
	for j := range p.jobs {
		spec.Jobs = append(spec.Jobs, j)
	}
	sort.Slice(spec.EventTypes, func(i, j int) bool { return spec.EventTypes[i] < spec.EventTypes[j] })
	sort.Slice(spec.Scopes, func(i, j int) bool { return spec.Scopes[i] < spec.Scopes[j] })
	sort.Strings(spec.Jobs)
	return spec
}

func (p *Permission) AllowsEvent(k notification.Kind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.eventTypes[k]
	return ok
}

func (p *Permission) HasScope(s Scope) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.scopes[s]
	return ok
}

// AllowsJob reports whether jobID is explicitly allowed or covered by the
// all_jobs scope.
func (p *Permission) AllowsJob(jobID string) bool {
	if jobID == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.jobs[jobID]; ok {
		return true
	}
	_, all := p.scopes[ScopeAllJobs]
	return all
}

func (p *Permission) MaxSubscriptions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxSubscriptions
}

func (p *Permission) RateLimit() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLimit
}

// Expired treats a zero expiry as never expiring.
func (p *Permission) Expired(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.expiresAt.IsZero() && !now.Before(p.expiresAt)
}

func (p *Permission) grantJob(jobID string) {
	p.mu.Lock()
	p.jobs[jobID] = struct{}{}
	p.mu.Unlock()
}

// ClientInfo is optional connection metadata recorded with a session.
type ClientInfo struct {
	IP        string
	UserAgent string
}

// ClientContext is a point-in-time copy of a session. Permission is the
// shared record, not a copy.
type ClientContext struct {
	ClientID     string      `json:"client_id"`
	UserID       string      `json:"user_id"`
	Token        string      `json:"-"`
	Permission   *Permission `json:"-"`
	ConnectedAt  time.Time   `json:"connected_at"`
	LastActivity time.Time   `json:"last_activity"`
	IP           string      `json:"ip,omitempty"`
	UserAgent    string      `json:"user_agent,omitempty"`
	State        State       `json:"state"`
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Sessions              int            `json:"sessions"`
	Users                 int            `json:"users"`
	AuthAttempts          uint64         `json:"auth_attempts"`
	AuthFailures          uint64         `json:"auth_failures"`
	Authorizations        uint64         `json:"authorizations"`
	Denials               uint64         `json:"denials"`
	DenialsByReason       map[string]int `json:"denials_by_reason"`
	AutoDeauthentications uint64         `json:"auto_deauthentications"`
	ValidatorUnavailable  uint64         `json:"validator_unavailable"`
	Healthy               bool           `json:"healthy"`
}
