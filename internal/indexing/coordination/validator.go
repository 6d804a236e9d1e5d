package coordination

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/coordkv"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// TaskProbe answers whether the task behind a fence is still running on
// the queue.
type TaskProbe interface {
	IsRunning(ctx context.Context, taskID string) (bool, error)
}

// Validator reaps fences whose task vanished. A crashed worker leaves
// its fence behind; without the reaper the (pair, settings) combination
// would stay locked forever.
type Validator struct {
	log      *logger.Logger
	kv       coordkv.Store
	attempts repos.IndexAttemptRepo
	probe    TaskProbe
	grace    time.Duration
}

func NewValidator(log *logger.Logger, kv coordkv.Store, attempts repos.IndexAttemptRepo, probe TaskProbe) *Validator {
	grace := 300
	if v := strings.TrimSpace(os.Getenv("FENCE_GRACE_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			grace = n
		}
	}
	return &Validator{
		log:      log.With("service", "FenceValidator"),
		kv:       kv,
		attempts: attempts,
		probe:    probe,
		grace:    time.Duration(grace) * time.Second,
	}
}

// RunOnce scans all fences and fails the attempts behind dead ones.
// Fences inside the grace period are left alone even when the probe
// misses the task; queue visibility can lag behind dispatch.
func (v *Validator) RunOnce(ctx context.Context) error {
	keys, err := v.kv.Scan(ctx, fencePrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		raw, ok, err := v.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var fence Fence
		if err := json.Unmarshal([]byte(raw), &fence); err != nil {
			v.log.Warn("dropping undecodable fence", "key", key, "error", err)
			_ = v.kv.Delete(ctx, key)
			continue
		}
		running, err := v.probe.IsRunning(ctx, fence.TaskID)
		if err != nil {
			v.log.Warn("task probe failed", "task_id", fence.TaskID, "error", err)
			continue
		}
		if running {
			continue
		}
		if time.Since(fence.LastActive) < v.grace {
			continue
		}
		v.log.Warn("reaping stale fence", "key", key, "task_id", fence.TaskID, "attempt_id", fence.AttemptID)
		if err := v.attempts.MarkTerminal(dbctx.New(ctx), fence.AttemptID, domain.AttemptFailed, "indexing task no longer running; fence reaped"); err != nil {
			v.log.Error("failed to mark reaped attempt", "attempt_id", fence.AttemptID, "error", err)
			continue
		}
		if err := v.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
