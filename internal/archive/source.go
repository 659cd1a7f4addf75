package archive

import (
	"context"

	"favsync/internal/hls"
	"favsync/internal/model"
)

// Source is one remote origin of archivable items.
type Source interface {
	// Name is the source key; it names the ledger table and the lock.
	Name() string
	// Candidates lists the remote items. known returns the ledger snapshot
	// for a group and may be used to stop paging early.
	Candidates(ctx context.Context, known func(group string) (map[string]struct{}, error)) ([]model.Candidate, error)
	// DestDir is the directory the candidate's file is placed into.
	DestDir(c model.Candidate) string
}

// Retriever downloads an item into workspace and returns the file path.
type Retriever interface {
	Retrieve(ctx context.Context, item *model.Item, workspace string) (string, error)
}

// AsyncRetriever fetches an item and finishes it in the background.
type AsyncRetriever interface {
	RetrieveAsync(ctx context.Context, item *model.Item, workspace string) (*hls.MergeHandle, error)
}

// Validator reports whether a candidate can be retrieved at all.
type Validator interface {
	Validate(ctx context.Context, c model.Candidate) (bool, error)
}

// Completer is notified after an item is recorded.
type Completer interface {
	Completed(ctx context.Context, c model.Candidate) error
}

// Finisher runs once after every item of a pass has settled.
type Finisher interface {
	Finish(ctx context.Context) error
}
