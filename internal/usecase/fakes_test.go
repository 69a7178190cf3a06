package usecase

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/repository"
)

const strongPassword = "Sup3r!SecurePass#7890"

var (
	testSigningKey     *rsa.PrivateKey
	testSigningKeyOnce sync.Once
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testSigningKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testSigningKey = key
	})
	return testSigningKey
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testHasher(t *testing.T) *security.Argon2Hasher {
	t.Helper()
	hasher, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewArgon2Hasher returned error: %v", err)
	}
	return hasher
}

func newTestIssuer(t *testing.T, accounts *fakeAccountRepository, clock *testClock) *TokenIssuer {
	t.Helper()
	provider := security.NewStaticKeyProvider("test-kid", signingKey(t))
	manager := security.NewJWTManager(provider, "identity-service-test", []string{"review-platform"}).WithClock(clock.Now)
	return NewTokenIssuer(accounts, manager, 0, 0).WithClock(clock.Now)
}

type fakeAccountRepository struct {
	mu       sync.Mutex
	accounts map[string]domain.Account

	createCalls            int
	getByEmailCalls        int
	updateAccessTokenCalls int
	completeResetCalls     int
	getByEmailErr          error
}

func newFakeAccountRepository() *fakeAccountRepository {
	return &fakeAccountRepository{accounts: make(map[string]domain.Account)}
}

func (f *fakeAccountRepository) seed(account domain.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account.ID] = account
}

func (f *fakeAccountRepository) get(id string) (domain.Account, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	return account, ok
}

func (f *fakeAccountRepository) mutate(id string, fn func(*domain.Account)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account := f.accounts[id]
	fn(&account)
	f.accounts[id] = account
}

func (f *fakeAccountRepository) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accounts)
}

func (f *fakeAccountRepository) Create(_ context.Context, account domain.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	for _, existing := range f.accounts {
		if strings.EqualFold(existing.Email, account.Email) {
			return repository.ErrDuplicate
		}
	}
	for _, existing := range f.accounts {
		if existing.Slug == account.Slug {
			return repository.ErrSlugTaken
		}
	}
	f.accounts[account.ID] = account
	return nil
}

func (f *fakeAccountRepository) GetByID(_ context.Context, id string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &account, nil
}

func (f *fakeAccountRepository) GetByEmail(_ context.Context, email string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getByEmailCalls++
	if f.getByEmailErr != nil {
		return nil, f.getByEmailErr
	}
	for _, account := range f.accounts {
		if strings.EqualFold(account.Email, email) {
			found := account
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAccountRepository) GetByResetTokenHash(_ context.Context, tokenHash string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, account := range f.accounts {
		if tokenHash != "" && account.ResetTokenHash == tokenHash {
			found := account
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeAccountRepository) SlugsWithPrefix(_ context.Context, base string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, account := range f.accounts {
		if account.Slug == base || strings.HasPrefix(account.Slug, base+"-") {
			out = append(out, account.Slug)
		}
	}
	return out, nil
}

func (f *fakeAccountRepository) UpdateAccessToken(_ context.Context, id, token string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateAccessTokenCalls++
	account, ok := f.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	account.AccessToken = token
	account.UpdatedAt = at
	f.accounts[id] = account
	return nil
}

func (f *fakeAccountRepository) UpdateProfile(_ context.Context, id, firstName, lastName, slug string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	for otherID, other := range f.accounts {
		if otherID != id && other.Slug == slug {
			return repository.ErrSlugTaken
		}
	}
	account.FirstName = firstName
	account.LastName = lastName
	account.Slug = slug
	account.UpdatedAt = at
	f.accounts[id] = account
	return nil
}

func (f *fakeAccountRepository) SaveResetArtifact(_ context.Context, id string, artifact domain.ResetArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	expiresAt := artifact.ExpiresAt
	lastAttempt := artifact.LastAttemptAt
	account.ResetTokenHash = artifact.TokenHash
	account.ResetTokenExpiresAt = &expiresAt
	account.ResetAttempts = artifact.Attempts
	account.ResetLastAttemptAt = &lastAttempt
	f.accounts[id] = account
	return nil
}

func (f *fakeAccountRepository) CompletePasswordReset(_ context.Context, id, tokenHash, passwordHash string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeResetCalls++
	account, ok := f.accounts[id]
	if !ok || account.ResetTokenHash == "" || account.ResetTokenHash != tokenHash {
		return repository.ErrNotFound
	}
	account.PasswordHash = passwordHash
	account.ResetTokenHash = ""
	account.ResetTokenExpiresAt = nil
	account.ResetAttempts = 0
	account.ResetLastAttemptAt = nil
	account.UpdatedAt = at
	f.accounts[id] = account
	return nil
}

type sentEmail struct {
	Kind      domain.EmailKind
	Recipient string
	Data      map[string]any
}

type sentNotification struct {
	Kind   domain.NotificationKind
	UserID string
	Data   map[string]any
}

type fakeDispatcher struct {
	mu            sync.Mutex
	emails        []sentEmail
	notifications []sentNotification
	emailErrs     map[domain.EmailKind]error
	notifyErr     error
}

func (f *fakeDispatcher) failEmail(kind domain.EmailKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emailErrs == nil {
		f.emailErrs = make(map[domain.EmailKind]error)
	}
	f.emailErrs[kind] = err
}

func (f *fakeDispatcher) SendTransactionalEmail(_ context.Context, kind domain.EmailKind, recipient string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.emailErrs[kind]; err != nil {
		return err
	}
	f.emails = append(f.emails, sentEmail{Kind: kind, Recipient: recipient, Data: data})
	return nil
}

func (f *fakeDispatcher) CreateInAppNotification(_ context.Context, kind domain.NotificationKind, userID string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.notifications = append(f.notifications, sentNotification{Kind: kind, UserID: userID, Data: data})
	return nil
}

func (f *fakeDispatcher) emailsOfKind(kind domain.EmailKind) []sentEmail {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEmail
	for _, e := range f.emails {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeAuditLog struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAuditLog) Record(_ context.Context, entry domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditLog) actions() []domain.AuditAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeStateStore struct {
	mu    sync.Mutex
	slots map[string]domain.FederationState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{slots: make(map[string]domain.FederationState)}
}

func (f *fakeStateStore) Put(_ context.Context, state domain.FederationState, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.slots[state.State]; exists {
		return errors.New("state already exists")
	}
	f.slots[state.State] = state
	return nil
}

func (f *fakeStateStore) Take(_ context.Context, state string) (*domain.FederationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	slot, ok := f.slots[state]
	if !ok {
		return nil, nil
	}
	delete(f.slots, state)
	return &slot, nil
}

type fakeIdentityProvider struct {
	provider domain.Provider
	profile  *domain.ProviderProfile
	err      error

	lastState    string
	lastVerifier string
	lastPurpose  domain.FederationPurpose
	fetchCalls   int
}

func (f *fakeIdentityProvider) AuthCodeURL(state, codeVerifier string, purpose domain.FederationPurpose) string {
	f.lastState = state
	f.lastVerifier = codeVerifier
	f.lastPurpose = purpose
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeIdentityProvider) FetchProfile(_ context.Context, _ string, codeVerifier string, purpose domain.FederationPurpose) (*domain.ProviderProfile, error) {
	f.fetchCalls++
	f.lastVerifier = codeVerifier
	f.lastPurpose = purpose
	if f.err != nil {
		return nil, f.err
	}
	if f.profile == nil {
		return nil, nil
	}
	profile := *f.profile
	return &profile, nil
}

func resetTokenFromEmail(t *testing.T, email sentEmail) string {
	t.Helper()
	raw, ok := email.Data["resetUrl"].(string)
	if !ok {
		t.Fatalf("reset email carries no resetUrl: %#v", email.Data)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse reset url: %v", err)
	}
	token := parsed.Query().Get("token")
	if token == "" {
		t.Fatalf("reset url carries no token: %s", raw)
	}
	return token
}
