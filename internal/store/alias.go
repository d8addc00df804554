package store

import (
	"fmt"
	"sort"
)

// AuthorAliases assigns participant-N aliases in order of each author's
// first submission, so the same room always yields the same mapping.
func AuthorAliases(subs []Submission) map[string]string {
	ordered := make([]Submission, len(subs))
	copy(ordered, subs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	aliases := make(map[string]string)
	for _, sub := range ordered {
		if _, ok := aliases[sub.AuthorID]; ok {
			continue
		}
		aliases[sub.AuthorID] = fmt.Sprintf("participant-%d", len(aliases)+1)
	}
	return aliases
}

// DisplayAuthor returns the name to show for authorID under the room's
// attribution mode.
func DisplayAuthor(room Room, aliases map[string]string, authorID string) string {
	if room.Config.AttributionMode != AttributionAnonymous {
		return authorID
	}
	if alias, ok := aliases[authorID]; ok {
		return alias
	}
	return "participant"
}
