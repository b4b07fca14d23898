package escalate

import (
	"strings"

	"opsline/internal/domain"
)

// Resolution is the outcome of mapping snapshot names to directory users.
type Resolution struct {
	Resolved   []string // user IDs, input order, de-duplicated
	Unresolved []string
}

// Resolve maps human names to stable user identifiers with a deterministic
// priority per name: exact match (case/space-insensitive), then first-initial
// plus surname, then email local part. Unmatched names land in Unresolved;
// they never block delivery to the names that did match.
func Resolve(names []string, directory []domain.User) Resolution {
	var res Resolution
	seen := map[string]bool{}
	for _, name := range names {
		id := resolveOne(name, directory)
		if id == "" {
			res.Unresolved = append(res.Unresolved, name)
			continue
		}
		if !seen[id] {
			seen[id] = true
			res.Resolved = append(res.Resolved, id)
		}
	}
	return res
}

func resolveOne(name string, directory []domain.User) string {
	want := normalize(name)
	if want == "" {
		return ""
	}
	for _, u := range directory {
		if normalize(u.Name) == want {
			return u.ID
		}
	}
	for _, u := range directory {
		if initialedMatch(name, u.Name) {
			return u.ID
		}
	}
	for _, u := range directory {
		if emailLocalMatch(name, u.Email) {
			return u.ID
		}
	}
	return ""
}

// normalize lowercases and strips all whitespace and dots so "J. Smith",
// "j smith" and "JSmith" compare equal.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == ' ' || r == '\t' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// initialedMatch accepts "J Smith" for "John Smith" in either direction:
// same surname, and one side's first token is the other's first initial.
func initialedMatch(a, b string) bool {
	af := fields(a)
	bf := fields(b)
	if len(af) < 2 || len(bf) < 2 {
		return false
	}
	if af[len(af)-1] != bf[len(bf)-1] {
		return false
	}
	ai, bi := af[0], bf[0]
	if len(ai) == 1 {
		return strings.HasPrefix(bi, ai)
	}
	if len(bi) == 1 {
		return strings.HasPrefix(ai, bi)
	}
	return false
}

func fields(s string) []string {
	raw := strings.Fields(strings.ToLower(strings.ReplaceAll(s, ".", " ")))
	return raw
}

// emailLocalMatch compares the squashed name against the local part of the
// user's email, ignoring dots: "jane.doe@example.com" matches "Jane Doe".
func emailLocalMatch(name, email string) bool {
	at := strings.Index(email, "@")
	if at <= 0 {
		return false
	}
	local := normalize(email[:at])
	return local != "" && local == normalize(name)
}
