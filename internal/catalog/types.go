package catalog

import (
	"encoding/json"
	"time"
)

// Tool is the durable record of one callable capability advertised by a tool
// server. Tools are never deleted while their server exists: names the server
// stops advertising are marked stale so permission rows keep a valid target.
type Tool struct {
	ID          string
	ServerID    string
	Name        string
	Description string
	Enabled     bool
	Stale       bool
	InputSchema json.RawMessage
	Metadata    map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available reports whether the tool itself is structurally reachable.
// Server-side availability is checked separately.
func (t *Tool) Available() bool {
	return t.Enabled && !t.Stale
}

// AdvertisedTool is one entry of a live server's tool list, as reported over
// the launcher handle.
type AdvertisedTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// RefreshDiff summarizes what one refresh changed. All slices hold tool
// names. A second refresh against an unchanged upstream list yields a zero
// diff.
type RefreshDiff struct {
	Added    []string
	Stale    []string
	Restored []string
	Updated  []string
	Invalid  []string
}

// Empty reports whether the refresh changed nothing.
func (d *RefreshDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Stale) == 0 &&
		len(d.Restored) == 0 && len(d.Updated) == 0
}

// RefreshChanges is the persistence payload derived from a diff, applied in
// one transaction.
type RefreshChanges struct {
	Insert    []*Tool
	MarkStale []string // tool ids
	Restore   []string // tool ids
	Update    []*Tool  // description/schema changes, ids set
}
