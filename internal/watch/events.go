// Package watch turns raw filesystem notifications into settled change sets.
//
// A Watcher observes one documentation root recursively and produces typed
// events for Markdown files; a Debouncer coalesces bursts of events into at
// most one ChangeSet per settle window. The two are chained through channels
// so neither ever suspends the reconciler consuming them.
package watch

import "sort"

// EventKind classifies a filesystem notification.
type EventKind int

const (
	Create EventKind = iota
	Modify
	Delete
	Rename
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	case Rename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one notification for a root-relative path. OldPath is set only
// for Rename events where the platform exposed the pair.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
}

// RenamedPath is a rename pair surfaced without re-embedding the content.
type RenamedPath struct {
	From string
	To   string
}

// ChangeSet is the settled outcome of one debounce window: each path appears
// in exactly one list, carrying its latest coalesced event kind.
type ChangeSet struct {
	Created  []string
	Modified []string
	Deleted  []string
	Renamed  []RenamedPath
}

// Empty reports whether the change set carries no work.
func (cs ChangeSet) Empty() bool {
	return len(cs.Created) == 0 && len(cs.Modified) == 0 &&
		len(cs.Deleted) == 0 && len(cs.Renamed) == 0
}

// Len is the total number of affected paths.
func (cs ChangeSet) Len() int {
	return len(cs.Created) + len(cs.Modified) + len(cs.Deleted) + len(cs.Renamed)
}

// changeSetOf builds a sorted ChangeSet from the pending path states.
func changeSetOf(pending map[string]EventKind, renames map[string]string) ChangeSet {
	var cs ChangeSet
	for path, kind := range pending {
		switch kind {
		case Create:
			cs.Created = append(cs.Created, path)
		case Modify:
			cs.Modified = append(cs.Modified, path)
		case Delete:
			cs.Deleted = append(cs.Deleted, path)
		}
	}
	for from, to := range renames {
		cs.Renamed = append(cs.Renamed, RenamedPath{From: from, To: to})
	}
	sort.Strings(cs.Created)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Deleted)
	sort.Slice(cs.Renamed, func(i, j int) bool { return cs.Renamed[i].From < cs.Renamed[j].From })
	return cs
}
