package auth

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/hybridauth/internal/model"
	"github.com/hitoshi/hybridauth/internal/repository"
)

// memStore はテスト用のインメモリストア。
// トランザクションの書き込みはコミット時にまとめて適用し、その時点で一意制約を検査する。
type memStore struct {
	mu       sync.Mutex
	users    map[string]model.User
	accounts []model.Account
	sessions map[string]model.Session

	// lockSubjects がtrueの場合、WithinSubjectLockはキー単位で直列化する。
	lockSubjects bool
	keyLocks     sync.Map

	// beforeCommit はfnの実行後、コミット直前に呼ばれる。
	beforeCommit func()

	// failOn が設定されている場合、該当操作はこのエラーを返す。
	failOn map[string]error

	commits   int
	conflicts int
}

func newMemStore(lockSubjects bool) *memStore {
	return &memStore{
		users:        make(map[string]model.User),
		sessions:     make(map[string]model.Session),
		lockSubjects: lockSubjects,
		failOn:       make(map[string]error),
	}
}

func (s *memStore) WithinSubjectLock(ctx context.Context, key string, fn func(ctx context.Context, repos repository.Repositories) error) error {
	if s.lockSubjects {
		v, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
		m := v.(*sync.Mutex)
		m.Lock()
		defer m.Unlock()
	}

	tx := s.begin(false)
	if err := fn(ctx, tx.repos()); err != nil {
		return err
	}
	if s.beforeCommit != nil {
		s.beforeCommit()
	}
	return tx.commit()
}

// autocommit はトランザクション外で使うリポジトリを返す。書き込みは即時に適用される。
func (s *memStore) autocommit() repository.Repositories {
	return s.begin(true).repos()
}

func (s *memStore) begin(auto bool) *memTx {
	return &memTx{
		s:            s,
		auto:         auto,
		users:        make(map[string]model.User),
		deletedUsers: make(map[string]bool),
	}
}

func (s *memStore) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failOn[op]
}

func (s *memStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *memStore) accountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

func (s *memStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *memStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *memStore) seedUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *memStore) seedSession(sess model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

type memTx struct {
	s            *memStore
	auto         bool
	users        map[string]model.User
	deletedUsers map[string]bool
	accounts     []model.Account
	sessions     []model.Session
}

func (tx *memTx) repos() repository.Repositories {
	return repository.Repositories{
		Users:    &memUserRepo{tx: tx},
		Accounts: &memAccountRepo{tx: tx},
		Sessions: &memSessionRepo{tx: tx},
	}
}

func (tx *memTx) written() error {
	if tx.auto {
		return tx.commit()
	}
	return nil
}

// commit はステージした書き込みを検査して適用する。
func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	users := maps.Clone(s.users)
	maps.Copy(users, tx.users)
	for id := range tx.deletedUsers {
		delete(users, id)
	}

	emails := make(map[string]string)
	subjects := make(map[string]string)
	for id, u := range users {
		if other, ok := emails[u.Email]; ok && other != id {
			s.conflicts++
			return fmt.Errorf("%w: users_email_key", repository.ErrConflict)
		}
		emails[u.Email] = id
		if u.ExternalSubject != nil {
			if other, ok := subjects[*u.ExternalSubject]; ok && other != id {
				s.conflicts++
				return fmt.Errorf("%w: users_external_subject_key", repository.ErrConflict)
			}
			subjects[*u.ExternalSubject] = id
		}
	}

	accounts := slices.DeleteFunc(slices.Clone(s.accounts), func(a model.Account) bool { return tx.deletedUsers[a.UserID] })
	for _, a := range tx.accounts {
		for _, existing := range accounts {
			if existing.ProviderID == a.ProviderID && (existing.AccountID == a.AccountID || existing.UserID == a.UserID) {
				s.conflicts++
				return fmt.Errorf("%w: accounts_provider_key", repository.ErrConflict)
			}
		}
		if _, ok := users[a.UserID]; !ok {
			return errors.New("accounts_user_id_fkey violation")
		}
		accounts = append(accounts, a)
	}

	sessions := maps.Clone(s.sessions)
	maps.DeleteFunc(sessions, func(_ string, sess model.Session) bool { return tx.deletedUsers[sess.UserID] })
	for _, sess := range tx.sessions {
		for _, existing := range sessions {
			if existing.Token == sess.Token {
				s.conflicts++
				return fmt.Errorf("%w: sessions_token_key", repository.ErrConflict)
			}
		}
		if _, ok := users[sess.UserID]; !ok {
			return errors.New("sessions_user_id_fkey violation")
		}
		sessions[sess.ID] = sess
	}

	s.users = users
	s.accounts = accounts
	s.sessions = sessions
	s.commits++

	tx.users = make(map[string]model.User)
	tx.deletedUsers = make(map[string]bool)
	tx.accounts = nil
	tx.sessions = nil
	return nil
}

type memUserRepo struct{ tx *memTx }

func (r *memUserRepo) find(match func(u model.User) bool) (*model.User, error) {
	r.tx.s.mu.Lock()
	defer r.tx.s.mu.Unlock()

	for _, u := range r.tx.users {
		if match(u) {
			return &u, nil
		}
	}
	for id, u := range r.tx.s.users {
		if _, staged := r.tx.users[id]; staged || r.tx.deletedUsers[id] {
			continue
		}
		if match(u) {
			return &u, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	if err := r.tx.s.fail("users.FindByID"); err != nil {
		return nil, err
	}
	return r.find(func(u model.User) bool { return u.ID == id })
}

func (r *memUserRepo) FindByExternalSubject(_ context.Context, subject string) (*model.User, error) {
	if err := r.tx.s.fail("users.FindByExternalSubject"); err != nil {
		return nil, err
	}
	return r.find(func(u model.User) bool { return u.ExternalSubject != nil && *u.ExternalSubject == subject })
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	return r.find(func(u model.User) bool { return u.Email == email })
}

func (r *memUserRepo) Create(_ context.Context, user *model.User) error {
	if err := r.tx.s.fail("users.Create"); err != nil {
		return err
	}
	r.tx.users[user.ID] = *user
	return r.tx.written()
}

func (r *memUserRepo) LinkExternalSubject(ctx context.Context, userID, subject string, updatedAt time.Time) error {
	u, err := r.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user not found: %s", userID)
	}
	u.ExternalSubject = &subject
	u.UpdatedAt = updatedAt
	r.tx.users[userID] = *u
	return r.tx.written()
}

func (r *memUserRepo) DeleteByID(_ context.Context, id string) error {
	r.tx.deletedUsers[id] = true
	delete(r.tx.users, id)
	return r.tx.written()
}

type memAccountRepo struct{ tx *memTx }

func (r *memAccountRepo) Create(_ context.Context, account *model.Account) error {
	r.tx.accounts = append(r.tx.accounts, *account)
	return r.tx.written()
}

func (r *memAccountRepo) FindByProviderAndAccountID(_ context.Context, providerID, accountID string) (*model.Account, error) {
	r.tx.s.mu.Lock()
	defer r.tx.s.mu.Unlock()
	for _, a := range append(slices.Clone(r.tx.s.accounts), r.tx.accounts...) {
		if a.ProviderID == providerID && a.AccountID == accountID {
			return &a, nil
		}
	}
	return nil, nil
}

func (r *memAccountRepo) CountByUserID(_ context.Context, userID string) (int, error) {
	r.tx.s.mu.Lock()
	defer r.tx.s.mu.Unlock()
	n := 0
	for _, a := range append(slices.Clone(r.tx.s.accounts), r.tx.accounts...) {
		if a.UserID == userID {
			n++
		}
	}
	return n, nil
}

type memSessionRepo struct{ tx *memTx }

func (r *memSessionRepo) Create(_ context.Context, session *model.Session) error {
	r.tx.sessions = append(r.tx.sessions, *session)
	return r.tx.written()
}

func (r *memSessionRepo) FindByToken(_ context.Context, token string) (*model.Session, error) {
	if err := r.tx.s.fail("sessions.FindByToken"); err != nil {
		return nil, err
	}
	r.tx.s.mu.Lock()
	defer r.tx.s.mu.Unlock()
	for _, sess := range r.tx.s.sessions {
		if sess.Token == token {
			return &sess, nil
		}
	}
	return nil, nil
}

// 削除系はコミット済みの状態に直接適用する（トランザクション外でのみ使う）。

func (r *memSessionRepo) DeleteByToken(_ context.Context, token string) error {
	r.tx.s.mu.Lock()
	defer r.tx.s.mu.Unlock()
	maps.DeleteFunc(r.tx.s.sessions, func(_ string, sess model.Session) bool { return sess.Token == token })
	return nil
}

func (r *memSessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.tx.s.mu.Lock()
	defer r.tx.s.mu.Unlock()
	maps.DeleteFunc(r.tx.s.sessions, func(_ string, sess model.Session) bool { return sess.UserID == userID })
	return nil
}

func (r *memSessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.tx.s.mu.Lock()
	defer r.tx.s.mu.Unlock()
	before := len(r.tx.s.sessions)
	maps.DeleteFunc(r.tx.s.sessions, func(_ string, sess model.Session) bool { return sess.Expired(now) })
	return int64(before - len(r.tx.s.sessions)), nil
}

// barrier は最初の2つの呼び出しを互いに待ち合わせる。3つ目以降は素通りする。
type barrier struct {
	mu      sync.Mutex
	arrived int
	ch      chan struct{}
}

func newBarrier() *barrier {
	return &barrier{ch: make(chan struct{})}
}

func (b *barrier) wait() {
	b.mu.Lock()
	b.arrived++
	n := b.arrived
	if n == 2 {
		close(b.ch)
	}
	b.mu.Unlock()
	if n <= 2 {
		<-b.ch
	}
}

// compile-time interface check
var (
	_ repository.UnitOfWork        = (*memStore)(nil)
	_ repository.UserRepository    = (*memUserRepo)(nil)
	_ repository.AccountRepository = (*memAccountRepo)(nil)
	_ repository.SessionRepository = (*memSessionRepo)(nil)
)
