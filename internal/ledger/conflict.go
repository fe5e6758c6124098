package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/verdantlab/fieldsync/internal/types"
)

// ConflictPolicy decides what happens when a remote document arrives
// while the local copy still has an unsynced edit. Resolve returns the
// document to keep, plus a non-nil Conflict when the disagreement
// should be surfaced to the user instead of silently settled.
type ConflictPolicy interface {
	Resolve(local, remote *types.SyncableDocument) (*types.SyncableDocument, *types.Conflict, error)
}

// LastWriteWins keeps whichever side was edited most recently. This is
// the default: field edits usually postdate office edits, and the loser
// is recoverable from the server's history.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(local, remote *types.SyncableDocument) (*types.SyncableDocument, *types.Conflict, error) {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local, nil, nil
	}
	return remote, nil, nil
}

// DeepMerge combines both payloads field by field. Nested objects merge
// recursively; on a scalar disagreement the more recently edited side
// wins. Fields only one side has always survive, so a field edit to one
// trait never clobbers an office edit to another.
type DeepMerge struct{}

func (DeepMerge) Resolve(local, remote *types.SyncableDocument) (*types.SyncableDocument, *types.Conflict, error) {
	var localData, remoteData map[string]any
	if err := json.Unmarshal(local.Data, &localData); err != nil {
		return nil, nil, fmt.Errorf("parse local %s/%s: %w", local.Type, local.ID, err)
	}
	if err := json.Unmarshal(remote.Data, &remoteData); err != nil {
		return nil, nil, fmt.Errorf("parse remote %s/%s: %w", remote.Type, remote.ID, err)
	}

	localNewer := local.UpdatedAt.After(remote.UpdatedAt)
	merged := deepMerge(localData, remoteData, localNewer)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("encode merged %s/%s: %w", local.Type, local.ID, err)
	}

	result := *local
	result.Data = data
	if remote.UpdatedAt.After(result.UpdatedAt) {
		result.UpdatedAt = remote.UpdatedAt
	}
	return &result, nil, nil
}

// deepMerge merges remote into local. localWins breaks scalar ties.
func deepMerge(local, remote map[string]any, localWins bool) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	for k, v := range local {
		out[k] = v
	}
	for k, rv := range remote {
		lv, exists := out[k]
		if !exists {
			out[k] = rv
			continue
		}
		lm, lok := lv.(map[string]any)
		rm, rok := rv.(map[string]any)
		if lok && rok {
			out[k] = deepMerge(lm, rm, localWins)
			continue
		}
		if !localWins {
			out[k] = rv
		}
	}
	return out
}

// Surface keeps the local copy untouched and reports the disagreement
// so the user can pick a side.
type Surface struct{}

func (Surface) Resolve(local, remote *types.SyncableDocument) (*types.SyncableDocument, *types.Conflict, error) {
	return local, &types.Conflict{
		Type:        local.Type,
		ID:          local.ID,
		LocalValue:  local.Data,
		RemoteValue: remote.Data,
		DetectedAt:  time.Now().UTC(),
	}, nil
}

// PolicyByName maps a configuration string to a policy. Unknown names
// fall back to last-write-wins.
func PolicyByName(name string) ConflictPolicy {
	switch name {
	case "deep-merge":
		return DeepMerge{}
	case "surface":
		return Surface{}
	default:
		return LastWriteWins{}
	}
}
