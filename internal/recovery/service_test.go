package recovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"reliable-ops/internal/config"
	"reliable-ops/internal/models"
)

// memTxStore mirrors the conditional-write semantics of the Postgres store.
type memTxStore struct {
	mu            sync.Mutex
	txs           map[string]models.Transaction
	deadLetters   map[string]models.DeadLetter
	interventions []models.Intervention
}

func newMemTxStore() *memTxStore {
	return &memTxStore{
		txs:         make(map[string]models.Transaction),
		deadLetters: make(map[string]models.DeadLetter),
	}
}

func (s *memTxStore) CreateTransaction(_ context.Context, tx models.Transaction) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.State == "" {
		tx.State = models.StatePending
	}
	if tx.Metadata.Priority == "" {
		tx.Metadata.Priority = models.PriorityNormal
	}
	now := time.Now().UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now
	s.txs[tx.ID] = tx
	return tx, nil
}

func (s *memTxStore) GetTransaction(_ context.Context, id string) (models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return models.Transaction{}, errors.New("transaction not found")
	}
	return tx, nil
}

func (s *memTxStore) ClaimRecovering(_ context.Context, id string, expectedAttempts int, lastAttemptAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return false, errors.New("transaction not found")
	}
	if !models.CanTransition(tx.State, models.StateRecovering) ||
		tx.Attempts != expectedAttempts ||
		tx.Attempts >= tx.MaxAttempts ||
		!tx.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	tx.State = models.StateRecovering
	tx.Attempts++
	tx.LastAttemptAt = &lastAttemptAt
	tx.UpdatedAt = time.Now().UTC()
	s.txs[id] = tx
	return true, nil
}

func (s *memTxStore) UpdateTransactionState(_ context.Context, id, state string, attempts int, lastAttemptAt *time.Time, lastError *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok || models.IsTerminal(tx.State) {
		return errors.New("transaction not found or terminal")
	}
	tx.State = state
	tx.Attempts = attempts
	tx.LastAttemptAt = lastAttemptAt
	tx.LastError = lastError
	tx.UpdatedAt = time.Now().UTC()
	s.txs[id] = tx
	return nil
}

func (s *memTxStore) ForceState(_ context.Context, id, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return false, errors.New("transaction not found")
	}
	if models.IsTerminal(tx.State) {
		return false, nil
	}
	tx.State = state
	tx.UpdatedAt = time.Now().UTC()
	s.txs[id] = tx
	return true, nil
}

func (s *memTxStore) ListRecoverable(_ context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	now := time.Now()
	for _, tx := range s.txs {
		if tx.State != models.StateStuck && tx.State != models.StateProcessing {
			continue
		}
		if tx.LastAttemptAt != nil && !tx.LastAttemptAt.Before(olderThan) {
			continue
		}
		if tx.Attempts >= tx.MaxAttempts || !tx.ExpiresAt.After(now) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := models.PriorityRank(out[i].Metadata.Priority), models.PriorityRank(out[j].Metadata.Priority)
		if pi != pj {
			return pi > pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memTxStore) InsertDeadLetter(_ context.Context, dl models.DeadLetter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[dl.ID]; ok {
		return false, nil
	}
	s.deadLetters[dl.ID] = dl
	return true, nil
}

func (s *memTxStore) InsertIntervention(_ context.Context, iv models.Intervention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interventions = append(s.interventions, iv)
	return nil
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *recordingReporter) Report(_ context.Context, err error, _ map[string]any, severity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, severity+": "+err.Error())
}

func testConfig() config.Config {
	cfg := config.Load()
	cfg.MaxAttempts = 5
	cfg.DeadLetterAfterAttempts = 3
	cfg.InterItemDelay = 0
	return cfg
}

func stuckTx(txType, priority string, attempts int) models.Transaction {
	return models.Transaction{
		TenantID:    "tenantA",
		Type:        txType,
		State:       models.StateStuck,
		Data:        map[string]any{"amount": float64(100)},
		Attempts:    attempts,
		MaxAttempts: 5,
		Metadata:    models.TxMetadata{Priority: priority},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestRecoverCompletesOnHandlerSuccess(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()
	reg := NewRegistry()
	reg.Register(models.TypePaymentProcessing, HandlerFunc(func(context.Context, *models.Transaction) (bool, error) {
		return true, nil
	}))
	svc := NewService(testConfig(), st, reg, &recordingReporter{})

	tx, err := svc.Track(ctx, stuckTx(models.TypePaymentProcessing, models.PriorityNormal, 0))
	require.NoError(t, err)

	ok, err := svc.Recover(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, got.State)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastAttemptAt)
}

func TestConcurrentRecoverDispatchesOnce(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()

	var dispatches int32
	reg := NewRegistry()
	reg.Register(models.TypeBitcoinPurchase, HandlerFunc(func(context.Context, *models.Transaction) (bool, error) {
		atomic.AddInt32(&dispatches, 1)
		time.Sleep(20 * time.Millisecond)
		return true, nil
	}))
	svc := NewService(testConfig(), st, reg, &recordingReporter{})

	tx, err := svc.Track(ctx, stuckTx(models.TypeBitcoinPurchase, models.PriorityNormal, 0))
	require.NoError(t, err)

	// A second daemon's sweep and an admin retry race on the same record:
	// exactly one caller wins the claim and runs the handler.
	const n = 8
	var wg sync.WaitGroup
	oks := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := svc.Recover(ctx, tx.ID)
			require.NoError(t, err)
			oks[i] = ok
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&dispatches))

	winners := 0
	for _, ok := range oks {
		if ok {
			winners++
		}
	}
	require.Equal(t, 1, winners)

	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, got.State)
	require.Equal(t, 1, got.Attempts)
}

func TestRecoverAttemptsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()
	reg := NewRegistry()
	reg.Register(models.TypeWebhookProcessing, HandlerFunc(func(context.Context, *models.Transaction) (bool, error) {
		return false, nil
	}))
	cfg := testConfig()
	cfg.DeadLetterAfterAttempts = 10 // keep it retrying
	svc := NewService(cfg, st, reg, &recordingReporter{})

	tx, err := svc.Track(ctx, stuckTx(models.TypeWebhookProcessing, models.PriorityNormal, 0))
	require.NoError(t, err)

	for want := 1; want <= 5; want++ {
		_, err := svc.Recover(ctx, tx.ID)
		require.NoError(t, err)
		got, err := svc.Get(ctx, tx.ID)
		require.NoError(t, err)
		require.Equal(t, want, got.Attempts)
	}

	// attempts == maxAttempts: no longer recoverable, counter frozen.
	ok, err := svc.Recover(ctx, tx.ID)
	require.NoError(t, err)
	require.False(t, ok)
	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, 5, got.Attempts)
}

func TestRecoverDeadLettersAtThreshold(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()
	reg := NewRegistry()
	reg.Register(models.TypeBitcoinPurchase, HandlerFunc(func(context.Context, *models.Transaction) (bool, error) {
		return false, errors.New("exchange unreachable")
	}))
	rep := &recordingReporter{}
	svc := NewService(testConfig(), st, reg, rep)

	tx := stuckTx(models.TypeBitcoinPurchase, models.PriorityNormal, 2)
	tx, err := svc.Track(ctx, tx)
	require.NoError(t, err)

	// attempts 2 -> 3 hits deadLetterAfterAttempts.
	ok, err := svc.Recover(ctx, tx.ID)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, got.State)

	dl, found := st.deadLetters[tx.ID]
	require.True(t, found)
	require.Equal(t, 3, dl.Attempts)
	require.True(t, dl.RequiresManualIntervention)
	require.Equal(t, models.EscalationSupport, dl.EscalationLevel)

	// Manual-intervention dead letters alert.
	require.NotEmpty(t, rep.reports)
}

func TestDeadLetterHappensAtMostOnce(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()
	svc := NewService(testConfig(), st, NewRegistry(), &recordingReporter{})

	tx, err := svc.Track(ctx, stuckTx(models.TypePaymentProcessing, models.PriorityNormal, 3))
	require.NoError(t, err)

	require.NoError(t, svc.MoveToDeadLetter(ctx, tx, "first", true))
	require.NoError(t, svc.MoveToDeadLetter(ctx, tx, "second", true))

	require.Len(t, st.deadLetters, 1)
	require.Equal(t, "first", st.deadLetters[tx.ID].DeadLetterReason)

	// A FAILED source is no longer recoverable by the sweep.
	ok, err := svc.Recover(ctx, tx.ID)
	require.NoError(t, err)
	require.False(t, ok)
	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempts)
}

func TestRecoverAbsorbsHandlerPanic(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()
	reg := NewRegistry()
	reg.Register(models.TypeTreasuryRuleExecution, HandlerFunc(func(context.Context, *models.Transaction) (bool, error) {
		panic("rule engine exploded")
	}))
	rep := &recordingReporter{}
	cfg := testConfig()
	cfg.DeadLetterAfterAttempts = 10
	svc := NewService(cfg, st, reg, rep)

	tx, err := svc.Track(ctx, stuckTx(models.TypeTreasuryRuleExecution, models.PriorityNormal, 0))
	require.NoError(t, err)

	ok, err := svc.Recover(ctx, tx.ID)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateStuck, got.State)
	require.NotNil(t, got.LastError)
	require.NotEmpty(t, rep.reports)
}

func TestEscalationRouting(t *testing.T) {
	cases := []struct {
		name     string
		tx       models.Transaction
		expected string
	}{
		{
			name: "critical priority always management",
			tx: models.Transaction{
				Type:     models.TypeWebhookProcessing,
				Attempts: 1,
				Metadata: models.TxMetadata{Priority: models.PriorityCritical},
			},
			expected: models.EscalationManagement,
		},
		{
			name: "large bitcoin purchase to management",
			tx: models.Transaction{
				Type:     models.TypeBitcoinPurchase,
				Data:     map[string]any{"amount": float64(15000)},
				Attempts: 1,
				Metadata: models.TxMetadata{Priority: models.PriorityNormal},
			},
			expected: models.EscalationManagement,
		},
		{
			name: "small bitcoin purchase stays support",
			tx: models.Transaction{
				Type:     models.TypeBitcoinPurchase,
				Data:     map[string]any{"amount": float64(500)},
				Attempts: 1,
				Metadata: models.TxMetadata{Priority: models.PriorityNormal},
			},
			expected: models.EscalationSupport,
		},
		{
			name: "many attempts to engineering",
			tx: models.Transaction{
				Type:     models.TypePaymentProcessing,
				Attempts: 5,
				Metadata: models.TxMetadata{Priority: models.PriorityHigh},
			},
			expected: models.EscalationEngineering,
		},
		{
			name: "default support",
			tx: models.Transaction{
				Type:     models.TypeWebhookProcessing,
				Attempts: 3,
				Metadata: models.TxMetadata{Priority: models.PriorityLow},
			},
			expected: models.EscalationSupport,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, EscalationFor(tc.tx, 10000))
		})
	}
}

func TestManualInterventionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()
	svc := NewService(testConfig(), st, NewRegistry(), &recordingReporter{})

	tx, err := svc.Track(ctx, stuckTx(models.TypeBitcoinPurchase, models.PriorityHigh, 2))
	require.NoError(t, err)

	require.NoError(t, svc.ManuallyCancel(ctx, tx.ID, "admin-1", "customer refunded out of band"))
	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCancelled, got.State)
	require.Len(t, st.interventions, 1)

	// Second cancel on a CANCELLED record: success, no duplicate audit row.
	require.NoError(t, svc.ManuallyCancel(ctx, tx.ID, "admin-1", "customer refunded out of band"))
	require.Len(t, st.interventions, 1)

	// Completing a cancelled record is likewise a no-op.
	require.NoError(t, svc.ManuallyComplete(ctx, tx.ID, "admin-2", "n/a", nil))
	got, err = svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCancelled, got.State)
	require.Len(t, st.interventions, 1)
}

func TestManualCompleteWritesAudit(t *testing.T) {
	ctx := context.Background()
	st := newMemTxStore()
	svc := NewService(testConfig(), st, NewRegistry(), &recordingReporter{})

	tx, err := svc.Track(ctx, stuckTx(models.TypePaymentProcessing, models.PriorityNormal, 1))
	require.NoError(t, err)

	require.NoError(t, svc.ManuallyComplete(ctx, tx.ID, "admin-7", "verified with processor", map[string]any{"processor_ref": "ch_123"}))

	got, err := svc.Get(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateCompleted, got.State)

	require.Len(t, st.interventions, 1)
	iv := st.interventions[0]
	require.Equal(t, ActionManualComplete, iv.Action)
	require.Equal(t, "admin-7", iv.AdminUserID)
	require.Equal(t, "ch_123", iv.Data["processor_ref"])
}
