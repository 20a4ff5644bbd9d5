package syncengine

import "github.com/MarcoPoloResearchLab/wordbank/internal/entry"

// Merge builds the view after a round: every server entry, plus each collapsed local mutation that is
// not a tombstone and whose identity the server did not return, newest first.
func Merge(serverEntries, localMutations []entry.Entry) []entry.Entry {
	present := make(map[entry.Key]struct{}, len(serverEntries)*2)
	merged := make([]entry.Entry, 0, len(serverEntries)+len(localMutations))
	for _, server := range serverEntries {
		if server.Deleted {
			continue
		}
		server.SyncStatus = entry.SyncStatusSynced
		merged = append(merged, server)
		for _, key := range server.Keys() {
			present[key] = struct{}{}
		}
	}
	for _, local := range entry.Collapse(localMutations) {
		if local.Deleted || answersTo(local, present) {
			continue
		}
		local.SyncStatus = entry.SyncStatusPending
		merged = append(merged, local)
	}
	entry.SortByCreatedDesc(merged)
	return merged
}

func answersTo(candidate entry.Entry, keys map[entry.Key]struct{}) bool {
	for _, key := range candidate.Keys() {
		if _, ok := keys[key]; ok {
			return true
		}
	}
	return false
}
