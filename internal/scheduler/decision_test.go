package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/portalkeep/internal/accounts"
	"github.com/xkilldash9x/portalkeep/internal/config"
	"github.com/xkilldash9x/portalkeep/internal/portal"
	"github.com/xkilldash9x/portalkeep/internal/schedule"
	"github.com/xkilldash9x/portalkeep/internal/session"
)

// --- mocks -----------------------------------------------------------------

type mockSessions struct {
	mu      sync.Mutex
	records map[string]*session.Record
	saved   []string
	getErr  error
	saveErr error
}

func newMockSessions() *mockSessions {
	return &mockSessions{records: make(map[string]*session.Record)}
}

func (m *mockSessions) Get(_ context.Context, accountID string) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[accountID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return rec, nil
}

func (m *mockSessions) Save(_ context.Context, accountID string, cookies []session.Cookie, expiresAt *time.Time) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return nil, m.saveErr
	}
	rec := &session.Record{AccountID: accountID, Cookies: cookies, ExpiresAt: expiresAt}
	if expiresAt != nil {
		next := expiresAt.Add(-15 * time.Minute)
		rec.NextRefreshAt = &next
	}
	m.records[accountID] = rec
	m.saved = append(m.saved, accountID)
	return rec, nil
}

func (m *mockSessions) IsExpired(rec *session.Record, now time.Time) bool {
	if rec == nil || len(rec.Cookies) == 0 {
		return true
	}
	return rec.ExpiresAt != nil && !rec.ExpiresAt.After(now)
}

func (m *mockSessions) savedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saved...)
}

type mockScheduleStore struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
	upsertErr error
}

func newMockScheduleStore() *mockScheduleStore {
	return &mockScheduleStore{deadlines: make(map[string]time.Time)}
}

func (m *mockScheduleStore) Upsert(_ context.Context, accountID string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.deadlines[accountID] = deadline
	return nil
}

func (m *mockScheduleStore) Remove(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadlines, accountID)
	return nil
}

func (m *mockScheduleStore) Has(_ context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deadlines[accountID]
	return ok, nil
}

func (m *mockScheduleStore) DueBefore(_ context.Context, t time.Time) ([]schedule.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []schedule.Entry
	for id, d := range m.deadlines {
		// Inclusive upper bound, matching the store's ZRANGEBYSCORE max.
		if !d.After(t) {
			due = append(due, schedule.Entry{AccountID: id, Deadline: d})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Deadline.Before(due[j].Deadline) })
	return due, nil
}

func (m *mockScheduleStore) Earliest(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  time.Time
		found bool
	)
	for _, d := range m.deadlines {
		if !found || d.Before(best) {
			best, found = d, true
		}
	}
	return best, found, nil
}

func (m *mockScheduleStore) deadline(accountID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deadlines[accountID]
	return d, ok
}

type mockLocks struct {
	mu             sync.Mutex
	manual         map[string]bool
	loginFlags     map[string]bool
	acquires       int
	releases       int
	rejectAcquire  bool
	manualCheckErr error
}

func newMockLocks() *mockLocks {
	return &mockLocks{manual: make(map[string]bool), loginFlags: make(map[string]bool)}
}

func (m *mockLocks) ManualRefreshActive(_ context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manualCheckErr != nil {
		return false, m.manualCheckErr
	}
	return m.manual[accountID], nil
}

func (m *mockLocks) LoginInProgress(_ context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginFlags[accountID], nil
}

func (m *mockLocks) AcquireLoginFlag(_ context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectAcquire || m.loginFlags[accountID] {
		return false, nil
	}
	m.loginFlags[accountID] = true
	m.acquires++
	return true, nil
}

func (m *mockLocks) ReleaseLoginFlag(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loginFlags, accountID)
	m.releases++
	return nil
}

func (m *mockLocks) counts() (acquires, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquires, m.releases
}

type mockKeepAlive struct {
	mu     sync.Mutex
	result portal.KeepAliveResult
	err    error
	calls  int
}

func (m *mockKeepAlive) KeepAlive(_ context.Context, _ string) (portal.KeepAliveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.result, m.err
}

func (m *mockKeepAlive) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockLogin struct {
	mu         sync.Mutex
	result     *portal.LoginResult
	err        error
	calls      int
	inFlight   int
	maxInMax   int
	blockUntil chan struct{}
}

func (m *mockLogin) Login(ctx context.Context, _ accounts.Credential) (*portal.LoginResult, error) {
	m.mu.Lock()
	m.calls++
	m.inFlight++
	if m.inFlight > m.maxInMax {
		m.maxInMax = m.inFlight
	}
	block := m.blockUntil
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	m.inFlight--
	res, err := m.result, m.err
	m.mu.Unlock()
	return res, err
}

func (m *mockLogin) stats() (calls, maxConcurrent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.maxInMax
}

// --- fixtures --------------------------------------------------------------

type engineFixture struct {
	engine    *Engine
	sessions  *mockSessions
	schedule  *mockScheduleStore
	locks     *mockLocks
	keepAlive *mockKeepAlive
	login     *mockLogin
	clock     *fakeClock
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrentLogins: 3,
		BatchSize:           10,
		AccountsPerMinute:   600,
		RefreshBuffer:       15 * time.Minute,
		LoginFlagTTL:        5 * time.Minute,
		KeepAliveTimeout:    30 * time.Second,
		LoginTimeout:        3 * time.Minute,
		MinSleep:            5 * time.Minute,
		MaxSleep:            30 * time.Minute,
		BackoffBase:         time.Minute,
		BackoffMax:          15 * time.Minute,
	}
}

func newEngineFixture(t *testing.T, mutate func(*config.SchedulerConfig)) *engineFixture {
	t.Helper()
	cfg := testSchedulerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &engineFixture{
		sessions:  newMockSessions(),
		schedule:  newMockScheduleStore(),
		locks:     newMockLocks(),
		keepAlive: &mockKeepAlive{},
		login:     &mockLogin{},
		clock:     newFakeClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)),
	}
	f.engine = NewEngine(f.sessions, f.schedule, f.locks, f.keepAlive, f.login, cfg, f.clock)
	return f
}

func acct(id string) accounts.Account {
	return accounts.Account{ID: id, Credential: accounts.Credential{Username: id + "@example.net", Password: "hunter2"}}
}

// --- tests -----------------------------------------------------------------

func TestProcessManualLockWinsOverEverything(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.locks.manual["acct-1"] = true
	// Even an expired session is untouchable while the manual lock is held.
	past := f.clock.Now().Add(-time.Hour)
	f.sessions.records["acct-1"] = &session.Record{
		AccountID: "acct-1",
		Cookies:   []session.Cookie{{Name: "JSESSIONID", Value: "x"}},
		ExpiresAt: &past,
	}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, SkipManualLock, out.Reason)
	assert.Zero(t, f.keepAlive.callCount())
	calls, _ := f.login.stats()
	assert.Zero(t, calls)
}

func TestProcessSkipsWhenLoginAlreadyInProgress(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.locks.loginFlags["acct-1"] = true

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, SkipLoginInProgress, out.Reason)
	assert.Zero(t, f.keepAlive.callCount())
}

func TestProcessNotDueWhenDeadlineInFuture(t *testing.T) {
	f := newEngineFixture(t, nil)
	expiry := f.clock.Now().Add(2 * time.Hour)
	next := f.clock.Now().Add(105 * time.Minute)
	f.sessions.records["acct-1"] = &session.Record{
		AccountID:     "acct-1",
		Cookies:       []session.Cookie{{Name: "JSESSIONID", Value: "x"}},
		ExpiresAt:     &expiry,
		NextRefreshAt: &next,
	}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, SkipNotDue, out.Reason)
	require.NotNil(t, out.Expiry)
	assert.True(t, out.Expiry.Equal(expiry))
	assert.Zero(t, f.keepAlive.callCount())
}

func TestProcessDueDeadlineMustBeStrictlyPast(t *testing.T) {
	f := newEngineFixture(t, nil)
	expiry := f.clock.Now().Add(time.Hour)
	// Deadline exactly at now: not strictly past, so not due.
	next := f.clock.Now()
	f.sessions.records["acct-1"] = &session.Record{
		AccountID:     "acct-1",
		Cookies:       []session.Cookie{{Name: "JSESSIONID", Value: "x"}},
		ExpiresAt:     &expiry,
		NextRefreshAt: &next,
	}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, SkipNotDue, out.Reason)
}

func TestProcessKeepAlivePreferredWhenCookiesPresent(t *testing.T) {
	f := newEngineFixture(t, nil)
	past := f.clock.Now().Add(-time.Minute)
	newExpiry := f.clock.Now().Add(90 * time.Minute)
	f.sessions.records["acct-1"] = &session.Record{
		AccountID:     "acct-1",
		Cookies:       []session.Cookie{{Name: "JSESSIONID", Value: "x"}},
		ExpiresAt:     nil,
		NextRefreshAt: &past,
	}
	f.keepAlive.result = portal.KeepAliveResult{Extended: true, Expiry: &newExpiry}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindRefreshedKeepAlive, out.Kind)
	require.NotNil(t, out.Expiry)
	assert.True(t, out.Expiry.Equal(newExpiry))
	calls, _ := f.login.stats()
	assert.Zero(t, calls, "keep-alive success must not trigger a login")
}

func TestProcessKeepAliveRejectionIsRescheduledNotFailed(t *testing.T) {
	f := newEngineFixture(t, nil)
	past := f.clock.Now().Add(-time.Minute)
	f.sessions.records["acct-1"] = &session.Record{
		AccountID:     "acct-1",
		Cookies:       []session.Cookie{{Name: "JSESSIONID", Value: "x"}},
		NextRefreshAt: &past,
	}
	f.keepAlive.result = portal.KeepAliveResult{NeedsFullRefresh: true}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, SkipRescheduled, out.Reason)
	calls, _ := f.login.stats()
	assert.Zero(t, calls, "rescheduled accounts log in on a later cycle, not this one")

	var tally Tally
	tally.Observe(out)
	assert.Equal(t, 1, tally.Scheduled)
	assert.Zero(t, tally.Failed)
}

func TestProcessNoSessionGoesStraightToFullLogin(t *testing.T) {
	f := newEngineFixture(t, nil)
	expiry := f.clock.Now().Add(2 * time.Hour)
	f.login.result = &portal.LoginResult{
		Cookies: []session.Cookie{{Name: "JSESSIONID", Value: "fresh"}},
		Expiry:  &expiry,
	}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindRefreshedFullLogin, out.Kind)
	assert.Zero(t, f.keepAlive.callCount(), "no cookies means nothing to keep alive")
	assert.Equal(t, []string{"acct-1"}, f.sessions.savedIDs())

	deadline, ok := f.schedule.deadline("acct-1")
	require.True(t, ok, "refreshed account must be rescheduled")
	assert.True(t, deadline.Equal(expiry.Add(-15*time.Minute)))

	acquires, releases := f.locks.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases, "login flag must be released after success")
}

func TestProcessKeepAliveErrorEscalatesToFullLogin(t *testing.T) {
	f := newEngineFixture(t, nil)
	past := f.clock.Now().Add(-time.Minute)
	f.sessions.records["acct-1"] = &session.Record{
		AccountID:     "acct-1",
		Cookies:       []session.Cookie{{Name: "JSESSIONID", Value: "x"}},
		NextRefreshAt: &past,
	}
	f.keepAlive.err = errors.New("connection reset by peer")
	expiry := f.clock.Now().Add(2 * time.Hour)
	f.login.result = &portal.LoginResult{
		Cookies: []session.Cookie{{Name: "JSESSIONID", Value: "fresh"}},
		Expiry:  &expiry,
	}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindRefreshedFullLogin, out.Kind)
	assert.Equal(t, 1, f.keepAlive.callCount())
}

func TestProcessLoginFailureReleasesFlag(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.login.err = errors.New("captcha wall")

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindFailed, out.Kind)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "captcha wall")

	acquires, releases := f.locks.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases, "flag must not be left to its TTL on failure")
}

func TestProcessFlagContentionAfterSemaphoreWait(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.locks.rejectAcquire = true

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, SkipLoginInProgress, out.Reason)
	calls, _ := f.login.stats()
	assert.Zero(t, calls)
}

func TestProcessSessionWithoutAnyDeadlineIsNotDue(t *testing.T) {
	f := newEngineFixture(t, nil)
	// Cookies but neither ExpiresAt nor NextRefreshAt: none of the due
	// signals fires, so the account is left alone until a deadline appears.
	f.sessions.records["acct-1"] = &session.Record{
		AccountID: "acct-1",
		Cookies:   []session.Cookie{{Name: "JSESSIONID", Value: "x"}},
	}

	out := f.engine.Process(context.Background(), acct("acct-1"))

	assert.Equal(t, KindSkipped, out.Kind)
	assert.Equal(t, SkipNotDue, out.Reason)
	assert.Nil(t, out.Expiry)
	assert.Zero(t, f.keepAlive.callCount())
	calls, _ := f.login.stats()
	assert.Zero(t, calls)
}

func TestFullLoginConcurrencyCap(t *testing.T) {
	f := newEngineFixture(t, func(cfg *config.SchedulerConfig) {
		cfg.MaxConcurrentLogins = 2
	})
	release := make(chan struct{})
	f.login.blockUntil = release
	expiry := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	f.login.result = &portal.LoginResult{
		Cookies: []session.Cookie{{Name: "JSESSIONID", Value: "fresh"}},
		Expiry:  &expiry,
	}

	const workers = 5
	var wg sync.WaitGroup
	outcomes := make([]Outcome, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.engine.Process(context.Background(), acct("acct-"+string(rune('a'+i))))
		}(i)
	}

	// Let the first logins enter, then open the gate for everyone.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	_, maxConcurrent := f.login.stats()
	assert.LessOrEqual(t, maxConcurrent, 2, "login concurrency cap violated")
	for i, out := range outcomes {
		assert.Equal(t, KindRefreshedFullLogin, out.Kind, "worker %d", i)
	}
}
