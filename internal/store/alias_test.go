package store

import (
	"testing"
	"time"
)

func TestAuthorAliasesFollowFirstSubmission(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	subs := []Submission{
		{ID: "s3", AuthorID: "carol", CreatedAt: base.Add(3 * time.Second)},
		{ID: "s1", AuthorID: "bob", CreatedAt: base.Add(time.Second)},
		{ID: "s2", AuthorID: "alice", CreatedAt: base.Add(2 * time.Second)},
		{ID: "s4", AuthorID: "bob", CreatedAt: base.Add(4 * time.Second)},
	}
	aliases := AuthorAliases(subs)
	want := map[string]string{"bob": "participant-1", "alice": "participant-2", "carol": "participant-3"}
	for author, alias := range want {
		if aliases[author] != alias {
			t.Fatalf("alias for %s = %q, want %q", author, aliases[author], alias)
		}
	}

	named := Room{Config: RoomConfig{AttributionMode: AttributionNamed}}
	anon := Room{Config: RoomConfig{AttributionMode: AttributionAnonymous}}
	if got := DisplayAuthor(named, aliases, "bob"); got != "bob" {
		t.Fatalf("DisplayAuthor(named) = %q", got)
	}
	if got := DisplayAuthor(anon, aliases, "bob"); got != "participant-1" {
		t.Fatalf("DisplayAuthor(anonymous) = %q", got)
	}
}
