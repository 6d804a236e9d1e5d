package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const (
	fencePrefix = "fence:"

	// fenceTTL is deliberately long; crashed runs are reaped by the
	// validator, not by key expiry.
	fenceTTL = 24 * time.Hour
)

// Fence marks a (pair, settings) combination as owned by one running
// indexing task. LastActive is refreshed on every batch boundary.
type Fence struct {
	TaskID     string    `json:"task_id"`
	AttemptID  uuid.UUID `json:"attempt_id"`
	LastActive time.Time `json:"last_active"`
}

func FenceKey(pairID, settingsID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s", fencePrefix, pairID, settingsID)
}

// Fences manages the ephemeral ownership keys in the coordination KV.
type Fences struct {
	log *logger.Logger
	kv  coordkv.Store
}

func NewFences(log *logger.Logger, kv coordkv.Store) *Fences {
	return &Fences{log: log.With("service", "Fences"), kv: kv}
}

func (f *Fences) Raise(ctx context.Context, pairID, settingsID, attemptID uuid.UUID, taskID string) error {
	raw, err := json.Marshal(Fence{TaskID: taskID, AttemptID: attemptID, LastActive: time.Now().UTC()})
	if err != nil {
		return err
	}
	return f.kv.Set(ctx, FenceKey(pairID, settingsID), string(raw), fenceTTL)
}

// Touch refreshes LastActive so the validator knows the task is alive.
func (f *Fences) Touch(ctx context.Context, pairID, settingsID uuid.UUID) error {
	fence, ok, err := f.Get(ctx, pairID, settingsID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fence missing for pair %s settings %s", pairID, settingsID)
	}
	fence.LastActive = time.Now().UTC()
	raw, err := json.Marshal(fence)
	if err != nil {
		return err
	}
	return f.kv.Set(ctx, FenceKey(pairID, settingsID), string(raw), fenceTTL)
}

func (f *Fences) Lower(ctx context.Context, pairID, settingsID uuid.UUID) error {
	return f.kv.Delete(ctx, FenceKey(pairID, settingsID))
}

func (f *Fences) Get(ctx context.Context, pairID, settingsID uuid.UUID) (*Fence, bool, error) {
	raw, ok, err := f.kv.Get(ctx, FenceKey(pairID, settingsID))
	if err != nil || !ok {
		return nil, false, err
	}
	var fence Fence
	if err := json.Unmarshal([]byte(raw), &fence); err != nil {
		return nil, false, fmt.Errorf("decode fence: %w", err)
	}
	return &fence, true, nil
}

func (f *Fences) Exists(ctx context.Context, pairID, settingsID uuid.UUID) (bool, error) {
	return f.kv.Exists(ctx, FenceKey(pairID, settingsID))
}
