package reconcile

import (
	"sync"
	"time"

	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/usms"
)

// RefreshState is the scheduling state of one account.
type RefreshState struct {
	mu               sync.RWMutex
	updateInterval   time.Duration
	latestUpdate     time.Time
	nextUpdate       time.Time
	firstRefreshDone bool
	lastError        string
	lastAttempt      time.Time
	lastSuccess      time.Time
}

// StateSnapshot is a point-in-time copy of RefreshState.
type StateSnapshot struct {
	UpdateInterval   time.Duration `json:"update_interval"`
	LatestUpdate     time.Time     `json:"latest_update"`
	NextUpdate       time.Time     `json:"next_update"`
	FirstRefreshDone bool          `json:"first_refresh_done"`
	Available        bool          `json:"available"`
	LastError        string        `json:"last_error,omitempty"`
	LastAttempt      time.Time     `json:"last_attempt"`
	LastSuccess      time.Time     `json:"last_success"`
}

// NewRefreshState creates the state of a freshly initialised account.
func NewRefreshState(initialInterval time.Duration) *RefreshState {
	return &RefreshState{updateInterval: initialInterval}
}

// Snapshot returns a copy of the state.
func (s *RefreshState) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StateSnapshot{
		UpdateInterval:   s.updateInterval,
		LatestUpdate:     s.latestUpdate,
		NextUpdate:       s.nextUpdate,
		FirstRefreshDone: s.firstRefreshDone,
		Available:        s.firstRefreshDone && s.lastError == "",
		LastError:        s.lastError,
		LastAttempt:      s.lastAttempt,
		LastSuccess:      s.lastSuccess,
	}
}

// UpdateInterval returns the delay until the next scheduled cycle.
func (s *RefreshState) UpdateInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateInterval
}

// FirstRefreshDone reports whether a cycle has succeeded since initialisation.
func (s *RefreshState) FirstRefreshDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstRefreshDone
}

// Reset returns the state to its initialised form, as on reload.
func (s *RefreshState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstRefreshDone = false
	s.lastError = ""
	s.latestUpdate = time.Time{}
	s.nextUpdate = time.Time{}
}

func (s *RefreshState) recordFailure(at time.Time, retryIn time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateInterval = retryIn
	s.lastAttempt = at
	s.lastError = err.Error()
}

func (s *RefreshState) recordSuccess(at, latestUpdate, nextUpdate time.Time, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateInterval = interval
	s.latestUpdate = latestUpdate
	s.nextUpdate = nextUpdate
	s.firstRefreshDone = true
	s.lastError = ""
	s.lastAttempt = at
	s.lastSuccess = at
}

// AccountContext is everything an engine operation needs about one account.
type AccountContext struct {
	Account usms.Account
	Index   *sensor.Index
	State   *RefreshState
}

// NewAccountContext creates the context of an account with an empty index.
func NewAccountContext(account usms.Account, initialInterval time.Duration) *AccountContext {
	return &AccountContext{
		Account: account,
		Index:   sensor.NewIndex(),
		State:   NewRefreshState(initialInterval),
	}
}
