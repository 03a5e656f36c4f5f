package archive

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reliable-ops/internal/models"
)

type staticSource struct {
	dls []models.DeadLetter
}

func (s staticSource) ListDeadLetters(context.Context, bool, int) ([]models.DeadLetter, error) {
	return s.dls, nil
}

func TestSnapshotWritesUnresolvedDeadLetters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	src := staticSource{dls: []models.DeadLetter{
		{
			Transaction: models.Transaction{
				ID:       "tx-1",
				TenantID: "tenantA",
				Type:     models.TypeBitcoinPurchase,
				State:    models.StateFailed,
				Data:     map[string]any{"amount": float64(250)},
			},
			DeadLetteredAt:   time.Now().UTC(),
			DeadLetterReason: "exhausted 3 recovery attempts",
			EscalationLevel:  models.EscalationSupport,
		},
	}}

	a := NewWithUploader(src, &localUploader{baseDir: dir}, time.Hour)
	loc, n, err := a.SnapshotOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NotEmpty(t, loc)

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)

	var snap snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, 1, snap.Count)
	require.Equal(t, "tx-1", snap.DeadLetters[0].ID)
}

func TestSnapshotSkipsEmptyQueue(t *testing.T) {
	a := NewWithUploader(staticSource{}, &localUploader{baseDir: t.TempDir()}, time.Hour)
	loc, n, err := a.SnapshotOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, loc)
}
