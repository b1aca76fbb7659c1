package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"key-delivery-service/internal/domain"
	"key-delivery-service/pkg/cryptox"
)

var testMasterKeyHex = strings.Repeat("11", 32)

func newTestLocalWrapper(t *testing.T) *cryptox.LocalWrapper {
	t.Helper()
	w, err := cryptox.NewLocalWrapper(testMasterKeyHex)
	if err != nil {
		t.Fatalf("NewLocalWrapper failed: %v", err)
	}
	return w
}

// fakeKMS は鍵名ごとに異なるAES鍵で暗号化するテスト用KMS。
type fakeKMS struct {
	mu           sync.Mutex
	encryptErr   error
	decryptErr   error
	encryptCalls int
	decryptCalls int
}

func (f *fakeKMS) wrapperFor(keyName string) *cryptox.LocalWrapper {
	sum := sha256.Sum256([]byte(keyName))
	w, _ := cryptox.NewLocalWrapper(hex.EncodeToString(sum[:]))
	return w
}

func (f *fakeKMS) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	f.encryptCalls++
	err := f.encryptErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	enc, iv, tag, err := f.wrapperFor(keyName).Wrap(plaintext)
	if err != nil {
		return nil, err
	}
	out := append(append(iv, tag...), enc...)
	return out, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	f.mu.Lock()
	f.decryptCalls++
	err := f.decryptErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < cryptox.IVSize+cryptox.TagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrIntegrity)
	}
	iv := ciphertext[:cryptox.IVSize]
	tag := ciphertext[cryptox.IVSize : cryptox.IVSize+cryptox.TagSize]
	enc := ciphertext[cryptox.IVSize+cryptox.TagSize:]
	raw, err := f.wrapperFor(keyName).Unwrap(enc, iv, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
	}
	return raw, nil
}

func (f *fakeKMS) calls() (encrypt, decrypt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.encryptCalls, f.decryptCalls
}

// memKeyVersionRepo はインメモリの鍵バージョンレジストリ。
type memKeyVersionRepo struct {
	mu       sync.Mutex
	versions []domain.KeyVersion
}

func (r *memKeyVersionRepo) FindAll(ctx context.Context) ([]*domain.KeyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.KeyVersion, len(r.versions))
	for i := range r.versions {
		v := r.versions[i]
		out[i] = &v
	}
	return out, nil
}

func (r *memKeyVersionRepo) FindByVersion(ctx context.Context, version uint) (*domain.KeyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.versions {
		if v.Version == version {
			found := v
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memKeyVersionRepo) FindActive(ctx context.Context) (*domain.KeyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.versions) - 1; i >= 0; i-- {
		if r.versions[i].IsActive() {
			found := r.versions[i]
			return &found, nil
		}
	}
	return nil, nil
}

func (r *memKeyVersionRepo) CreateInitial(ctx context.Context, kmsKeyName string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.versions) > 0 {
		return false, nil
	}
	r.versions = append(r.versions, domain.KeyVersion{Version: 1, KMSKeyName: kmsKeyName, Status: domain.KeyVersionActive, CreatedAt: time.Now()})
	return true, nil
}

func (r *memKeyVersionRepo) Rotate(ctx context.Context, kmsKeyName string) (*domain.KeyVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint
	for i := range r.versions {
		r.versions[i].Status = domain.KeyVersionRetired
		if r.versions[i].Version > max {
			max = r.versions[i].Version
		}
	}
	v := domain.KeyVersion{Version: max + 1, KMSKeyName: kmsKeyName, Status: domain.KeyVersionActive, CreatedAt: time.Now()}
	r.versions = append(r.versions, v)
	return &v, nil
}

// memOrderRepo は条件付き更新をミューテックスで再現するインメモリ実装。
type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*domain.Order

	// beforeExpire は MarkExpired の直前に呼ばれる。競合する更新の再現に使う。
	beforeExpire func()
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]*domain.Order)}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.AuditLog = append([]domain.AuditEntry(nil), o.AuditLog...)
	return &c
}

func (r *memOrderRepo) Create(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.OrderID]; ok {
		return errors.New("duplicate order id")
	}
	r.orders[order.OrderID] = cloneOrder(order)
	return nil
}

func (r *memOrderRepo) put(order *domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.OrderID] = cloneOrder(order)
}

func (r *memOrderRepo) get(orderID string) *domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil
	}
	return cloneOrder(o)
}

func (r *memOrderRepo) FindByID(ctx context.Context, orderID string) (*domain.Order, error) {
	return r.get(orderID), nil
}

func (r *memOrderRepo) FindByTxRef(ctx context.Context, txRef string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.Payment.TxRef != nil && *o.Payment.TxRef == txRef {
			return cloneOrder(o), nil
		}
	}
	return nil, nil
}

func (r *memOrderRepo) FindActiveDelivered(ctx context.Context, assetID, buyerIdentity string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.AssetID == assetID && o.BuyerIdentity == buyerIdentity && o.State == domain.OrderStateDelivered && !o.AccessRevoked {
			return cloneOrder(o), nil
		}
	}
	return nil, nil
}

func (r *memOrderRepo) MarkPaid(ctx context.Context, orderID, txRef string, confirmedAt time.Time, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.orders {
		if id != orderID && o.Payment.TxRef != nil && *o.Payment.TxRef == txRef {
			return domain.ErrTxRefAlreadyUsed
		}
	}
	o, ok := r.orders[orderID]
	if !ok || o.State != domain.OrderStatePending {
		return domain.ErrOrderStateConflict
	}
	o.State = domain.OrderStatePaid
	o.Payment.TxRef = &txRef
	o.Payment.ConfirmedAt = &confirmedAt
	o.AuditLog = append(o.AuditLog, entry)
	return nil
}

func (r *memOrderRepo) MarkDelivered(ctx context.Context, orderID string, sealed domain.SealedDelivery, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.State != domain.OrderStatePaid || o.SealedKeyB64 != nil {
		return domain.ErrOrderStateConflict
	}
	o.State = domain.OrderStateDelivered
	o.SealedKeyB64 = &sealed.SealedKeyB64
	o.EphemeralPublicKeyB64 = &sealed.EphemeralPublicKeyB64
	o.DeliveredAt = &sealed.DeliveredAt
	o.AuditLog = append(o.AuditLog, entry)
	return nil
}

func (r *memOrderRepo) HealDelivered(ctx context.Context, orderID string, at time.Time, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.State != domain.OrderStatePaid || o.SealedKeyB64 == nil {
		return domain.ErrOrderStateConflict
	}
	o.State = domain.OrderStateDelivered
	if o.DeliveredAt == nil {
		o.DeliveredAt = &at
	}
	o.AuditLog = append(o.AuditLog, entry)
	return nil
}

func (r *memOrderRepo) MarkRevoked(ctx context.Context, orderID, reason string, at time.Time, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.State != domain.OrderStateDelivered || o.AccessRevoked {
		return domain.ErrAccessAlreadyRevoked
	}
	o.AccessRevoked = true
	o.AccessRevokedAt = &at
	o.AccessRevokedReason = &reason
	o.AuditLog = append(o.AuditLog, entry)
	return nil
}

func (r *memOrderRepo) MarkExpired(ctx context.Context, orderID string, entry domain.AuditEntry) error {
	if r.beforeExpire != nil {
		r.beforeExpire()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.State != domain.OrderStatePending {
		return domain.ErrOrderStateConflict
	}
	o.State = domain.OrderStateExpired
	o.AuditLog = append(o.AuditLog, entry)
	return nil
}

func (r *memOrderRepo) FindPendingCreatedBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, o := range r.orders {
		if o.State == domain.OrderStatePending && o.CreatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// memAssetKeyRepo はインメモリのアセット鍵リポジトリ。
type memAssetKeyRepo struct {
	mu   sync.Mutex
	keys map[string]domain.AssetKey
}

func newMemAssetKeyRepo() *memAssetKeyRepo {
	return &memAssetKeyRepo{keys: make(map[string]domain.AssetKey)}
}

func (r *memAssetKeyRepo) FindByAssetID(ctx context.Context, assetID string) (*domain.AssetKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[assetID]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

func (r *memAssetKeyRepo) Rewrap(ctx context.Context, assetID string, oldVersion uint, wrapped domain.WrappedKey, rotatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[assetID]
	if !ok || k.Wrapped.KeyVersion != oldVersion {
		return domain.ErrAssetKeyConflict
	}
	k.Wrapped = wrapped
	k.RotatedAt = &rotatedAt
	r.keys[assetID] = k
	return nil
}

func (r *memAssetKeyRepo) CountByVersion(ctx context.Context) (map[uint]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[uint]int64)
	for _, k := range r.keys {
		counts[k.Wrapped.KeyVersion]++
	}
	return counts, nil
}

// memListingRepo はインメモリの出品リポジトリ。アセット鍵は keys に保存する。
type memListingRepo struct {
	mu       sync.Mutex
	listings map[string]*domain.Listing
	keys     *memAssetKeyRepo
}

func newMemListingRepo(keys *memAssetKeyRepo) *memListingRepo {
	return &memListingRepo{listings: make(map[string]*domain.Listing), keys: keys}
}

func (r *memListingRepo) Create(ctx context.Context, listing *domain.Listing, key *domain.AssetKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *listing
	c.AuditLog = append([]domain.AuditEntry(nil), listing.AuditLog...)
	c.CreatedAt = time.Now().UTC()
	r.listings[listing.ID] = &c

	r.keys.mu.Lock()
	r.keys.keys[key.AssetID] = *key
	r.keys.mu.Unlock()
	return nil
}

func (r *memListingRepo) FindByID(ctx context.Context, id string) (*domain.Listing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[id]
	if !ok {
		return nil, nil
	}
	c := *l
	c.AuditLog = append([]domain.AuditEntry(nil), l.AuditLog...)
	return &c, nil
}

func (r *memListingRepo) AppendAudit(ctx context.Context, listingID string, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[listingID]
	if !ok {
		return errors.New("listing not found")
	}
	l.AuditLog = append(l.AuditLog, entry)
	return nil
}

func (r *memListingRepo) MarkWithdrawn(ctx context.Context, listingID, reason string, at time.Time, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listings[listingID]
	if !ok || l.WithdrawnAt != nil {
		return domain.ErrListingAlreadyWithdrawn
	}
	l.WithdrawnAt = &at
	l.WithdrawnReason = &reason
	l.AuditLog = append(l.AuditLog, entry)
	return nil
}

// memContentStore はインメモリのペイロード保存先。
type memContentStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemContentStore() *memContentStore {
	return &memContentStore{data: make(map[string][]byte)}
}

func (s *memContentStore) Put(ctx context.Context, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha256.Sum256(payload)
	ref := hex.EncodeToString(sum[:])
	s.data[ref] = append([]byte(nil), payload...)
	return ref, nil
}

func (s *memContentStore) get(ref string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[ref]
}

// fakeLedger は固定のトランザクションを返す台帳。
type fakeLedger struct {
	mu        sync.Mutex
	sigs      []domain.LedgerSignature
	txs       map[string]*domain.LedgerTransaction
	err       error
	lastLimit int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txs: make(map[string]*domain.LedgerTransaction)}
}

// addTransfer は recipient への送金を先頭(最新)に追加する。
func (l *fakeLedger) addTransfer(sig, payer, recipient string, amount uint64, memo string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	blockTime := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	tx := &domain.LedgerTransaction{
		Signature:    sig,
		Slot:         100,
		BlockTime:    &blockTime,
		AccountKeys:  []string{payer, recipient, "11111111111111111111111111111111"},
		PreBalances:  []uint64{10_000_000_000, 5_000_000, 1},
		PostBalances: []uint64{10_000_000_000 - amount - 5000, 5_000_000 + amount, 1},
	}
	if memo != "" {
		tx.Memos = []string{memo}
	}
	l.txs[sig] = tx
	l.sigs = append([]domain.LedgerSignature{{Signature: sig, Slot: 100, BlockTime: &blockTime}}, l.sigs...)
}

func (l *fakeLedger) RecentSignatures(ctx context.Context, address string, limit int) ([]domain.LedgerSignature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastLimit = limit
	if l.err != nil {
		return nil, l.err
	}
	if len(l.sigs) > limit {
		return append([]domain.LedgerSignature(nil), l.sigs[:limit]...), nil
	}
	return append([]domain.LedgerSignature(nil), l.sigs...), nil
}

func (l *fakeLedger) Transaction(ctx context.Context, signature string) (*domain.LedgerTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.txs[signature], nil
}

// stubPaymentChecker は常に同じ結果を返す。
type stubPaymentChecker struct {
	match *domain.PaymentMatch
	err   error
}

func (s *stubPaymentChecker) VerifyPayment(ctx context.Context, recipient string, expected uint64, memo string) (*domain.PaymentMatch, error) {
	return s.match, s.err
}
