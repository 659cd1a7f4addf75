package model

import "time"

// Candidate is an item discovered at a source during one sync pass.
type Candidate struct {
	Source   string
	RemoteID string
	Title    string
	Uploader string
	// Group is the ledger grouping key: favorite folder id, "-1" for the
	// watch-later list, channel name for messaging channels.
	Group string
	// GroupKey is the messaging media group id, empty elsewhere.
	GroupKey string
	// Ordinal is the 1-based position of the item in its listing.
	Ordinal int
}

// LedgerEntry is one durable completion record.
type LedgerEntry struct {
	Source    string
	RemoteID  string
	Group     string
	Title     string
	Uploader  string
	CreatedAt time.Time
}

// EntryFor builds the ledger entry recorded once c is placed.
func EntryFor(c Candidate, at time.Time) LedgerEntry {
	return LedgerEntry{
		Source:    c.Source,
		RemoteID:  c.RemoteID,
		Group:     c.Group,
		Title:     c.Title,
		Uploader:  c.Uploader,
		CreatedAt: at.UTC(),
	}
}

// Item tracks a candidate through retrieval.
type Item struct {
	Candidate
	State string
	Path  string
	Bytes int64
}

func NewItem(c Candidate) *Item {
	return &Item{Candidate: c, State: StateManifestPending}
}

// Failure describes one item that did not make it into the archive.
type Failure struct {
	Source   string `json:"source"`
	RemoteID string `json:"remote_id"`
	Title    string `json:"title"`
	State    string `json:"state,omitempty"`
	Error    string `json:"error"`
}
