package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eigensurance/internal/adapter"
	"github.com/eigensurance/internal/models"
	"github.com/eigensurance/internal/storage"
	"github.com/eigensurance/internal/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	testUser    = "0x00000000000000000000000000000000000000a1"
	testOther   = "0x00000000000000000000000000000000000000b2"
	testPool    = "0x00000000000000000000000000000000000000c3"
	testTxHash  = "0x1111111111111111111111111111111111111111111111111111111111111111"
	testTxHash2 = "0x2222222222222222222222222222222222222222222222222222222222222222"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestCache returns a cache service backed by an in-process redis
func newTestCache(t *testing.T) (*storage.CacheService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewCacheService(storage.NewRedisCacheFromClient(client), time.Minute), mr
}

// mockUserRepository implements UserRepository for testing
type mockUserRepository struct {
	users map[string]*models.User
}

func newMockUserRepository() *mockUserRepository {
	return &mockUserRepository{users: make(map[string]*models.User)}
}

func (m *mockUserRepository) Upsert(ctx context.Context, address string, lastLogin time.Time) (*models.User, error) {
	u, ok := m.users[address]
	if !ok {
		u = &models.User{Address: address, CreatedAt: lastLogin}
		m.users[address] = u
	}
	u.LastLogin = lastLogin
	return u, nil
}

func (m *mockUserRepository) GetByAddress(ctx context.Context, address string) (*models.User, error) {
	if u, ok := m.users[strings.ToLower(address)]; ok {
		return u, nil
	}
	return nil, storage.ErrNotFound
}

// mockNonceRepository implements NonceRepository for testing
type mockNonceRepository struct {
	mu       sync.Mutex
	nonces   map[string]*models.Nonce
	consumed int
}

func newMockNonceRepository() *mockNonceRepository {
	return &mockNonceRepository{nonces: make(map[string]*models.Nonce)}
}

func (m *mockNonceRepository) Replace(ctx context.Context, nonce *models.Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[nonce.Address] = nonce
	return nil
}

func (m *mockNonceRepository) Consume(ctx context.Context, address, nonce string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed++
	n, ok := m.nonces[address]
	if !ok || n.Value != nonce || !now.Before(n.ExpiresAt) {
		return storage.ErrNotFound
	}
	delete(m.nonces, address)
	return nil
}

func (m *mockNonceRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for addr, nonce := range m.nonces {
		if !now.Before(nonce.ExpiresAt) {
			delete(m.nonces, addr)
			n++
		}
	}
	return n, nil
}

// mockChatRepository implements ChatRepository and ChatOwnership for testing
type mockChatRepository struct {
	chats     map[string]*models.Chat
	listCalls int
}

func newMockChatRepository() *mockChatRepository {
	return &mockChatRepository{chats: make(map[string]*models.Chat)}
}

func (m *mockChatRepository) Save(ctx context.Context, chat *models.Chat) error {
	if existing, ok := m.chats[chat.ID]; ok && existing.UserID != chat.UserID {
		return fmt.Errorf("chat %s: %w", chat.ID, storage.ErrNotFound)
	}
	c := *chat
	m.chats[chat.ID] = &c
	return nil
}

func (m *mockChatRepository) GetByID(ctx context.Context, userID, id string) (*models.Chat, error) {
	c, ok := m.chats[id]
	if !ok || c.UserID != strings.ToLower(userID) {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (m *mockChatRepository) ListByUser(ctx context.Context, userID string) ([]models.ChatSummary, error) {
	m.listCalls++
	list := []models.ChatSummary{}
	for _, c := range m.chats {
		if c.UserID == strings.ToLower(userID) {
			list = append(list, c.Summary())
		}
	}
	return list, nil
}

func (m *mockChatRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	for id, c := range m.chats {
		if c.UserID == strings.ToLower(userID) {
			delete(m.chats, id)
			n++
		}
	}
	return n, nil
}

func (m *mockChatRepository) Exists(ctx context.Context, userID, id string) (bool, error) {
	c, ok := m.chats[id]
	return ok && c.UserID == strings.ToLower(userID), nil
}

// mockGenerator implements Generator for testing
type mockGenerator struct {
	reply   *types.AssistantReply
	err     error
	lastReq adapter.GenerateRequest
}

func (m *mockGenerator) Generate(ctx context.Context, in adapter.GenerateRequest) (*types.AssistantReply, error) {
	m.lastReq = in
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

// mockPinner implements JSONPinner and FilePinner for testing
type mockPinner struct {
	mu     sync.Mutex
	hash   string
	err    error
	pinned []interface{}
	files  map[string][]byte
}

func newMockPinner(hash string) *mockPinner {
	return &mockPinner{hash: hash, files: make(map[string][]byte)}
}

func (m *mockPinner) PinJSON(ctx context.Context, name string, v interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.pinned = append(m.pinned, v)
	return m.hash, nil
}

func (m *mockPinner) PinFile(ctx context.Context, name, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.files[name] = data
	return m.hash, nil
}

// mockPurchaseRepository implements PurchaseRepository for testing
type mockPurchaseRepository struct {
	purchases map[string]*models.Purchase
}

func newMockPurchaseRepository() *mockPurchaseRepository {
	return &mockPurchaseRepository{purchases: make(map[string]*models.Purchase)}
}

func (m *mockPurchaseRepository) Create(ctx context.Context, p *models.Purchase) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	c := *p
	m.purchases[p.ID] = &c
	return nil
}

func (m *mockPurchaseRepository) Update(ctx context.Context, p *models.Purchase) error {
	if _, ok := m.purchases[p.ID]; !ok {
		return storage.ErrNotFound
	}
	if p.TxHash != nil {
		for id, other := range m.purchases {
			if id != p.ID && other.TxHash != nil && *other.TxHash == *p.TxHash {
				return storage.ErrDuplicate
			}
		}
	}
	c := *p
	m.purchases[p.ID] = &c
	return nil
}

func (m *mockPurchaseRepository) GetByID(ctx context.Context, userID, id string) (*models.Purchase, error) {
	p, ok := m.purchases[id]
	if !ok || p.UserID != strings.ToLower(userID) {
		return nil, storage.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *mockPurchaseRepository) ListByUser(ctx context.Context, userID string) ([]*models.Purchase, error) {
	list := []*models.Purchase{}
	for _, p := range m.purchases {
		if p.UserID == strings.ToLower(userID) {
			list = append(list, p)
		}
	}
	return list, nil
}

// mockContract implements PolicyContract and PolicyReader for testing
type mockContract struct {
	outcome   *adapter.PurchaseOutcome
	err       error
	receipts  int
	expected  []adapter.PurchaseExpectation
	records   []*models.InsuranceRecord
	readCalls int
}

func (m *mockContract) Address() common.Address {
	return common.HexToAddress(testPool)
}

func (m *mockContract) BuyInsuranceCalldata(ipfsHash string) ([]byte, error) {
	return append([]byte{0xde, 0xad}, []byte(ipfsHash)...), nil
}

func (m *mockContract) PurchaseReceipt(ctx context.Context, txHash common.Hash, expect adapter.PurchaseExpectation) (*adapter.PurchaseOutcome, error) {
	m.receipts++
	m.expected = append(m.expected, expect)
	if m.err != nil {
		return nil, m.err
	}
	return m.outcome, nil
}

func (m *mockContract) Insurances(ctx context.Context, holder common.Address) ([]*models.InsuranceRecord, error) {
	m.readCalls++
	if m.err != nil {
		return nil, m.err
	}
	return m.records, nil
}

// mockClaimRepository implements ClaimRepository for testing. history keeps
// every persisted status in order.
type mockClaimRepository struct {
	mu      sync.Mutex
	claims  map[string]*models.Claim
	history map[string][]types.ClaimStatus
}

func newMockClaimRepository() *mockClaimRepository {
	return &mockClaimRepository{
		claims:  make(map[string]*models.Claim),
		history: make(map[string][]types.ClaimStatus),
	}
}

func (m *mockClaimRepository) Create(ctx context.Context, claim *models.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}
	c := *claim
	m.claims[claim.ID] = &c
	m.history[claim.ID] = append(m.history[claim.ID], claim.Status)
	return nil
}

func (m *mockClaimRepository) Update(ctx context.Context, claim *models.Claim) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[claim.ID]; !ok {
		return storage.ErrNotFound
	}
	c := *claim
	m.claims[claim.ID] = &c
	m.history[claim.ID] = append(m.history[claim.ID], claim.Status)
	return nil
}

func (m *mockClaimRepository) GetByID(ctx context.Context, userID, id string) (*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok || c.UserID != strings.ToLower(userID) {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockClaimRepository) ListByUser(ctx context.Context, userID string) ([]*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []*models.Claim{}
	for _, c := range m.claims {
		if c.UserID == strings.ToLower(userID) {
			cp := *c
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *mockClaimRepository) ListUnfinished(ctx context.Context) ([]*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []*models.Claim{}
	for _, c := range m.claims {
		switch c.Status {
		case types.ClaimSubmitted, types.ClaimPolling, types.ClaimApproved:
			cp := *c
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *mockClaimRepository) statuses(id string) []types.ClaimStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ClaimStatus(nil), m.history[id]...)
}

// mockAVS implements ApprovalVoting for testing
type mockAVS struct {
	taskID    string
	createErr error
	approval  *adapter.ClaimApproval
	awaitErr  error
	attempts  int
	block     bool
	tasks     []string
}

func (m *mockAVS) CreateTask(ctx context.Context, ipfsHash string, voteThreshold int) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	m.tasks = append(m.tasks, ipfsHash)
	return m.taskID, nil
}

func (m *mockAVS) AwaitApproval(ctx context.Context, ipfsHash string, onAttempt func(attempt int)) (*adapter.ClaimApproval, error) {
	for i := 1; i <= m.attempts; i++ {
		onAttempt(i)
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.awaitErr != nil {
		return nil, m.awaitErr
	}
	return m.approval, nil
}

// mockReimburser implements Reimburser for testing
type mockReimburser struct {
	err     error
	holders []common.Address
	amounts []*big.Int
}

func (m *mockReimburser) Reimburse(ctx context.Context, holder common.Address, amountWei *big.Int) (common.Hash, error) {
	if m.err != nil {
		return common.Hash{}, m.err
	}
	m.holders = append(m.holders, holder)
	m.amounts = append(m.amounts, amountWei)
	return common.HexToHash(testTxHash2), nil
}

// mockAuditRecorder implements AuditRecorder for testing
type mockAuditRecorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
	err    error
}

func (m *mockAuditRecorder) Record(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, *event)
	return nil
}

func (m *mockAuditRecorder) ListByUser(ctx context.Context, userID string, limit int) ([]*models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := []*models.AuditEvent{}
	for i := len(m.events) - 1; i >= 0 && len(list) < limit; i-- {
		if m.events[i].UserID == userID {
			e := m.events[i]
			list = append(list, &e)
		}
	}
	return list, nil
}

func (m *mockAuditRecorder) stages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Stage+":"+e.Status)
	}
	return out
}

// mockDocumentRepository implements DocumentRepository for testing
type mockDocumentRepository struct {
	docs []*models.Document
}

func (m *mockDocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	m.docs = append(m.docs, doc)
	return nil
}

func (m *mockDocumentRepository) ListByChat(ctx context.Context, userID, chatID string) ([]*models.Document, error) {
	list := []*models.Document{}
	for _, d := range m.docs {
		if d.UserID == strings.ToLower(userID) && d.ChatID == chatID {
			list = append(list, d)
		}
	}
	return list, nil
}

// mockParser implements PDFParser for testing
type mockParser struct {
	text  string
	err   error
	delay time.Duration
	calls int
}

func (m *mockParser) Parse(ctx context.Context, filename string, data []byte) (string, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	return m.text, nil
}

// mockObjectStorage implements ObjectStorage for testing
type mockObjectStorage struct {
	objects map[string][]byte
	err     error
}

func (m *mockObjectStorage) Put(ctx context.Context, key, contentType string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.objects[key] = data
	return nil
}

func (m *mockObjectStorage) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, ok := m.objects[key]; !ok {
		return "", errors.New("no such key")
	}
	return "https://objects.test/" + key + "?ttl=" + ttl.String(), nil
}

var errBoom = errors.New("boom")
