package scheduler

import (
	"context"
	"log/slog"

	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
)

// BlockChecker answers which message groups are blocked by an unresolved
// ERROR job. BLOCK_ON_ERROR and NEXT_ON_ERROR jobs are gated identically
// against this set.
type BlockChecker struct {
	repo dispatchjob.Repository
}

func NewBlockChecker(repo dispatchjob.Repository) *BlockChecker {
	return &BlockChecker{repo: repo}
}

// BlockedGroups returns the subset of groups holding at least one ERROR
// job. The check fails open: on a store error no group is reported blocked,
// so dispatch proceeds rather than stalling the whole scheduler.
func (c *BlockChecker) BlockedGroups(ctx context.Context, groups []string) map[string]bool {
	if len(groups) == 0 {
		return nil
	}
	blocked, err := c.repo.BlockedGroups(ctx, groups)
	if err != nil {
		slog.Error("Blocked-group lookup failed, proceeding unblocked", "error", err)
		return nil
	}
	return blocked
}
