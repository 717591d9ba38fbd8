package mounts

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

// Source names the rule that produced a Resolution.
type Source string

const (
	SourceMount      Source = "mount"
	SourceAssignment Source = "assignment"
	SourceRole       Source = "role_default"
	SourceSystem     Source = "system_default"
)

// Resolution is where new content under a folder is written.
type Resolution struct {
	StrategyID  string `json:"strategy_id"`
	BackendPath string `json:"backend_path"`
	// MountID is empty unless Source is SourceMount.
	MountID string `json:"mount_id,omitempty"`
	Source  Source `json:"source"`
}

// Resolver maps a user's folder to a strategy. It reads the current rows on
// every call; nothing is cached.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver over store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// ancestors returns folder and each of its parents up to "/", nearest first.
func ancestors(folder string) []string {
	out := []string{folder}
	for folder != "/" {
		folder = path.Dir(folder)
		out = append(out, folder)
	}
	return out
}

// Resolve returns the strategy and backend path for folderPath. The nearest
// enabled mount wins; otherwise the user's assignment, then the role default,
// then the system default strategy, each rooted at the user folder.
func (r *Resolver) Resolve(ctx context.Context, userID string, role models.Role, folderPath string) (*Resolution, error) {
	folder, err := storage.CleanLogical(folderPath)
	if err != nil {
		return nil, err
	}
	suffix := strings.TrimPrefix(folder, "/")

	chain := ancestors(folder)
	rows, err := r.store.enabledAncestors(ctx, userID, chain)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		best := rows[0]
		for _, m := range rows[1:] {
			if len(m.FolderPath) > len(best.FolderPath) {
				best = m
			}
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(folder, best.FolderPath), "/")
		return &Resolution{
			StrategyID:  best.StrategyID,
			BackendPath: storage.JoinKey(best.BackendPath, rel),
			MountID:     best.ID,
			Source:      SourceMount,
		}, nil
	}

	userFolder, err := UserFolder(userID)
	if err != nil {
		return nil, err
	}

	a, err := r.store.GetAssignment(ctx, userID)
	switch {
	case err == nil:
		return &Resolution{
			StrategyID:  a.StrategyID,
			BackendPath: storage.JoinKey(a.UserFolder, suffix),
			Source:      SourceAssignment,
		}, nil
	case !errors.Is(err, ErrAssignmentNotFound):
		return nil, err
	}

	d, err := r.store.roleDefault(ctx, role)
	if err != nil {
		return nil, err
	}
	if d != nil {
		return &Resolution{
			StrategyID:  d.StrategyID,
			BackendPath: storage.JoinKey(userFolder, suffix),
			Source:      SourceRole,
		}, nil
	}

	return &Resolution{
		StrategyID:  models.DefaultStrategyID,
		BackendPath: storage.JoinKey(userFolder, suffix),
		Source:      SourceSystem,
	}, nil
}
