package authz

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/internal/notification"
	"github.com/PhoenixWild29/secureai-deepfake-detection-sub000/pkg/logx"
)

// Config controls session validity, default permissions and rate limiting.
// Zero values take the defaults listed in DefaultConfig.
type Config struct {
	RateWindow         time.Duration
	InactivityTimeout  time.Duration
	PermissionTTL      time.Duration
	MaxSessionsPerUser int

	DefaultLevel            Level
	DefaultEventTypes       []notification.Kind
	DefaultScopes           []Scope
	DefaultRateLimit        int
	DefaultMaxSubscriptions int

	MinTokenLength  int
	MaxTokenLength  int
	ValidateTimeout time.Duration

	// UnhealthyAfter is the number of consecutive unreachable-validator
	// results after which Healthy reports false.
	UnhealthyAfter int
}

func DefaultConfig() Config {
	return Config{
		RateWindow:              time.Minute,
		InactivityTimeout:       30 * time.Minute,
		PermissionTTL:           24 * time.Hour,
		MaxSessionsPerUser:      5,
		DefaultLevel:            LevelStandard,
		DefaultEventTypes:       notification.Kinds(),
		DefaultScopes:           []Scope{ScopeOwnJobs},
		DefaultRateLimit:        100,
		DefaultMaxSubscriptions: 10,
		MinTokenLength:          8,
		MaxTokenLength:          4096,
		ValidateTimeout:         5 * time.Second,
		UnhealthyAfter:          3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = d.InactivityTimeout
	}
	if c.PermissionTTL <= 0 {
		c.PermissionTTL = d.PermissionTTL
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = d.MaxSessionsPerUser
	}
	if c.DefaultLevel == "" {
		c.DefaultLevel = d.DefaultLevel
	}
	if len(c.DefaultEventTypes) == 0 {
		c.DefaultEventTypes = d.DefaultEventTypes
	}
	if len(c.DefaultScopes) == 0 {
		c.DefaultScopes = d.DefaultScopes
	}
	if c.DefaultRateLimit <= 0 {
		c.DefaultRateLimit = d.DefaultRateLimit
	}
	if c.DefaultMaxSubscriptions <= 0 {
		c.DefaultMaxSubscriptions = d.DefaultMaxSubscriptions
	}
	if c.MinTokenLength <= 0 {
		c.MinTokenLength = d.MinTokenLength
	}
	if c.MaxTokenLength <= 0 {
		c.MaxTokenLength = d.MaxTokenLength
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = d.ValidateTimeout
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = d.UnhealthyAfter
	}
	return c
}

type session struct {
	ctx   ClientContext
	state State
}

type tombstone struct {
	state State
	at    time.Time
}

// Manager is the single authorization gate. Construct one per process.
type Manager struct {
	validator Validator
	log       logx.Logger
	now       func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*session
	byUser   map[string]map[string]struct{}
	perms    map[string]*Permission
	ended    map[string]tombstone
	limiter  *slidingWindow

	unavailableStreak int
	stats             Stats
	denials           map[string]int
}

type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(cfg Config, v Validator, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		validator: v,
		log:       log,
		now:       time.Now,
		cfg:       cfg,
		sessions:  map[string]*session{},
		byUser:    map[string]map[string]struct{}{},
		perms:     map[string]*Permission{},
		ended:     map[string]tombstone{},
		limiter:   newSlidingWindow(cfg.RateWindow),
		denials:   map[string]int{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Apply swaps limits at runtime. Existing permission records keep their
// values; new defaults apply to records created afterwards.
func (m *Manager) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	m.mu.Lock()
	m.cfg = cfg
	m.limiter.window = cfg.RateWindow
	m.mu.Unlock()
}

// Authenticate validates a token and opens a session for clientID. Failures
// return a nil context and a sentinel error; they are expected outcomes.
func (m *Manager) Authenticate(ctx context.Context, clientID, token string, info ClientInfo) (*ClientContext, error) {
	m.mu.Lock()
	m.stats.AuthAttempts++
	cfg := m.cfg
	m.mu.Unlock()

	fail := func(err error) (*ClientContext, error) {
		m.mu.Lock()
		m.stats.AuthFailures++
		m.mu.Unlock()
		m.log.Debug("authentication failed", logx.String("client_id", clientID), logx.Err(err))
		return nil, err
	}

	if strings.TrimSpace(clientID) == "" {
		return fail(ErrMissingClientID)
	}
	tok, err := normalizeToken(token, cfg.MinTokenLength, cfg.MaxTokenLength)
	if err != nil {
		return fail(err)
	}
	if m.validator == nil {
		return fail(ErrValidatorUnavailable)
	}

	vctx, cancel := context.WithTimeout(ctx, cfg.ValidateTimeout)
	userID, err := m.validator.Validate(vctx, tok)
	cancel()

	m.mu.Lock()
	if err != nil && isUnavailable(err) {
		m.unavailableStreak++
		m.stats.ValidatorUnavailable++
		streak := m.unavailableStreak
		m.mu.Unlock()
		if streak == cfg.UnhealthyAfter {
			m.log.Error("identity validator unreachable", logx.Int("consecutive_failures", streak), logx.Err(err))
		}
		return fail(err)
	}
	m.unavailableStreak = 0
	m.mu.Unlock()
	if err != nil {
		return fail(err)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fail(ErrInvalidToken)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cc, err := m.openLocked(clientID, userID, tok, nil, info)
	if err != nil {
		m.stats.AuthFailures++
		m.log.Debug("authentication rejected", logx.String("client_id", clientID), logx.String("user_id", userID), logx.Err(err))
		return nil, err
	}
	m.log.Debug("client authenticated", logx.String("client_id", clientID), logx.String("user_id", userID))
	return cc, nil
}

// Attach opens a session for a client whose identity was established
// elsewhere. A non-nil perm becomes the user's permission record and is
// propagated to every live session of that user.
func (m *Manager) Attach(clientID, userID string, perm *Permission) (*ClientContext, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrMissingClientID
	}
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUserID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[clientID]; ok && s.ctx.UserID == userID {
		if perm != nil {
			m.installLocked(userID, perm)
		}
		cc := s.ctx
		cc.State = s.state
		return &cc, nil
	}
	return m.openLocked(clientID, userID, "", perm, ClientInfo{})
}

func (m *Manager) openLocked(clientID, userID, token string, perm *Permission, info ClientInfo) (*ClientContext, error) {
	now := m.now()

	// Re-authentication of the same client id replaces the old session.
	if old, ok := m.sessions[clientID]; ok {
		m.removeLocked(clientID, old, StateRevoked)
	}

	if len(m.byUser[userID]) >= m.cfg.MaxSessionsPerUser {
		return nil, ErrTooManySessions
	}

	if perm != nil {
		m.installLocked(userID, perm)
	} else {
		perm = m.resolveLocked(userID, now)
	}

	s := &session{
		ctx: ClientContext{
			ClientID:     clientID,
			UserID:       userID,
			Token:        token,
			Permission:   perm,
			ConnectedAt:  now,
			LastActivity: now,
			IP:           info.IP,
			UserAgent:    info.UserAgent,
		},
		state: StateAuthenticated,
	}
	m.sessions[clientID] = s
	if m.byUser[userID] == nil {
		m.byUser[userID] = map[string]struct{}{}
	}
	m.byUser[userID][clientID] = struct{}{}
	delete(m.ended, clientID)

	cc := s.ctx
	cc.State = s.state
	return &cc, nil
}

// resolveLocked returns the user's live permission record, creating the
// default one when missing or expired.
func (m *Manager) resolveLocked(userID string, now time.Time) *Permission {
	if p, ok := m.perms[userID]; ok && !p.Expired(now) {
		return p
	}
	p := NewPermission(PermissionSpec{
		Level:              m.cfg.DefaultLevel,
		EventTypes:         m.cfg.DefaultEventTypes,
		Scopes:             m.cfg.DefaultScopes,
		MaxSubscriptions:   m.cfg.DefaultMaxSubscriptions,
		RateLimitPerMinute: m.cfg.DefaultRateLimit,
		ExpiresAt:          now.Add(m.cfg.PermissionTTL),
	})
	m.installLocked(userID, p)
	return p
}

func (m *Manager) installLocked(userID string, p *Permission) {
	m.perms[userID] = p
	for clientID := range m.byUser[userID] {
		if s, ok := m.sessions[clientID]; ok {
			s.ctx.Permission = p
		}
	}
}

func (m *Manager) removeLocked(clientID string, s *session, final State) {
	delete(m.sessions, clientID)
	if set := m.byUser[s.ctx.UserID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.byUser, s.ctx.UserID)
		}
	}
	m.limiter.reset(clientID)
	m.ended[clientID] = tombstone{state: final, at: m.now()}
}

// validLocked re-checks expiry and inactivity, deauthenticating the session
// when either fails.
func (m *Manager) validLocked(clientID string, now time.Time) (*session, string) {
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, "unauthenticated"
	}
	perm := s.ctx.Permission
	if perm == nil {
		m.removeLocked(clientID, s, StateRevoked)
		return nil, "no_permission"
	}
	if perm.Expired(now) {
		m.removeLocked(clientID, s, StateExpired)
		m.stats.AutoDeauthentications++
		m.log.Debug("session expired", logx.String("client_id", clientID))
		return nil, "expired"
	}
	if now.Sub(s.ctx.LastActivity) > m.cfg.InactivityTimeout {
		m.removeLocked(clientID, s, StateInactive)
		m.stats.AutoDeauthentications++
		m.log.Debug("session inactive", logx.String("client_id", clientID))
		return nil, "inactive"
	}
	return s, ""
}

// Authorize is the gate every delivery passes. Checks run in order:
// session exists, session still valid, event type allowed, job allowed,
// scope allowed, rate limit. Any failure denies.
func (m *Manager) Authorize(clientID string, kind notification.Kind, jobID string, scope Scope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	s, reason := m.validLocked(clientID, now)
	if s == nil {
		return m.denyLocked(reason)
	}
	perm := s.ctx.Permission
	if !perm.AllowsEvent(kind) {
		return m.denyLocked("event_type")
	}
	if jobID != "" && !perm.AllowsJob(jobID) {
		return m.denyLocked("job")
	}
	if scope != "" && !perm.HasScope(scope) {
		return m.denyLocked("scope")
	}
	if !m.limiter.allow(clientID, perm.RateLimit(), now) {
		return m.denyLocked("rate_limit")
	}
	if s.state == StateAuthenticated {
		s.state = StateActive
	}
	m.stats.Authorizations++
	return true
}

func (m *Manager) denyLocked(reason string) bool {
	m.stats.Denials++
	m.denials[reason]++
	return false
}

// CanAccessJob runs the session and job checks of Authorize without
// consuming rate-limit budget.
func (m *Manager) CanAccessJob(clientID, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, reason := m.validLocked(clientID, m.now())
	if s == nil {
		return m.denyLocked(reason)
	}
	if !s.ctx.Permission.AllowsJob(jobID) {
		return m.denyLocked("job")
	}
	return true
}

// GrantJobAccess adds jobID to the user's permission record. Every live
// session of the user shares that record.
func (m *Manager) GrantJobAccess(userID, jobID string) bool {
	userID, jobID = strings.TrimSpace(userID), strings.TrimSpace(jobID)
	if userID == "" || jobID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.resolveLocked(userID, m.now())
	p.grantJob(jobID)
	// Repair any session still holding a stale record.
	m.installLocked(userID, p)
	m.log.Debug("job access granted", logx.String("user_id", userID), logx.String("analysis_id", jobID))
	return true
}

// Touch records client activity.
func (m *Manager) Touch(clientID string) {
	m.mu.Lock()
	if s, ok := m.sessions[clientID]; ok {
		s.ctx.LastActivity = m.now()
	}
	m.mu.Unlock()
}

// Deauthenticate ends a session. It reports whether one existed.
func (m *Manager) Deauthenticate(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return false
	}
	m.removeLocked(clientID, s, StateRevoked)
	return true
}

// RevokeUser ends every session of a user and drops the permission record.
func (m *Manager) RevokeUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for clientID := range m.byUser[userID] {
		if s, ok := m.sessions[clientID]; ok {
			m.removeLocked(clientID, s, StateRevoked)
			n++
		}
	}
	delete(m.perms, userID)
	if n > 0 {
		m.log.Info("user sessions revoked", logx.String("user_id", userID), logx.Int("sessions", n))
	}
	return n
}

// State reports where a client is in the session lifecycle, without
// changing it.
func (m *Manager) State(clientID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[clientID]; ok {
		now := m.now()
		switch {
		case s.ctx.Permission == nil:
			return StateRevoked
		case s.ctx.Permission.Expired(now):
			return StateExpired
		case now.Sub(s.ctx.LastActivity) > m.cfg.InactivityTimeout:
			return StateInactive
		}
		return s.state
	}
	if t, ok := m.ended[clientID]; ok {
		return t.state
	}
	return StateUnauthenticated
}

// Context returns a copy of the client's session.
func (m *Manager) Context(clientID string) (*ClientContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok {
		return nil, false
	}
	cc := s.ctx
	cc.State = s.state
	return &cc, true
}

// Permission returns the shared record of a client's session.
func (m *Manager) Permission(clientID string) (*Permission, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[clientID]
	if !ok || s.ctx.Permission == nil {
		return nil, false
	}
	return s.ctx.Permission, true
}

// RateUsage reports how many authorizations the client used in the current
// window.
func (m *Manager) RateUsage(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limiter.count(clientID, m.now())
}

// Cleanup drops expired or inactive sessions, idle rate windows, expired
// permission records without sessions, and old tombstones.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for clientID := range m.sessions {
		if s, _ := m.validLocked(clientID, now); s == nil {
			removed++
		}
	}
	for userID, p := range m.perms {
		if len(m.byUser[userID]) == 0 && p.Expired(now) {
			delete(m.perms, userID)
		}
	}
	m.limiter.sweep(now)
	for clientID, t := range m.ended {
		if now.Sub(t.at) > m.cfg.InactivityTimeout {
			delete(m.ended, clientID)
		}
	}
	if removed > 0 {
		m.log.Debug("sessions cleaned up", logx.Int("removed", removed))
	}
	return removed
}

// Healthy is false once the identity validator has been unreachable for
// UnhealthyAfter consecutive authentications.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unavailableStreak < m.cfg.UnhealthyAfter
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stats
	st.Sessions = len(m.sessions)
	st.Users = len(m.byUser)
	st.DenialsByReason = make(map[string]int, len(m.denials))
	for k, v := range m.denials {
		st.DenialsByReason[k] = v
	}
	st.Healthy = m.unavailableStreak < m.cfg.UnhealthyAfter
	return st
}
