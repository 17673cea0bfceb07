package agent

import (
	"fmt"
	"sort"
	"strings"
)

// actionKey identifies an action for cross-topic deduplication:
// (target, verb, args as a sorted tuple).
func actionKey(a Action) string {
	args := append([]string(nil), a.Args...)
	sort.Strings(args)
	return a.Target + "\x00" + a.Verb + "\x00" + strings.Join(args, "\x00")
}

// reduce merges per-topic recommendations into one report: problems
// sorted by severity, duplicate actions across topics collapsed into
// their first occurrence, and summary lines for problems whose worker
// produced nothing.
func reduce(problems []ProblemSpec, recs []Recommendation) string {
	ordered := append([]Recommendation(nil), recs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return severityRank(ordered[i].Severity) < severityRank(ordered[j].Severity)
	})

	covered := make(map[string]bool, len(recs))
	for _, r := range recs {
		covered[r.TopicID] = true
	}

	var b strings.Builder
	seenActions := make(map[string]bool)

	for _, rec := range ordered {
		fmt.Fprintf(&b, "## %s (%s)\n\n", rec.Title, rec.Severity)
		if rec.Summary != "" {
			b.WriteString(rec.Summary)
			b.WriteString("\n\n")
		}
		wrote := false
		for _, a := range rec.Actions {
			key := actionKey(a)
			if seenActions[key] {
				continue
			}
			seenActions[key] = true
			if !wrote {
				b.WriteString("Recommended actions:\n")
				wrote = true
			}
			fmt.Fprintf(&b, "- **%s** %s", a.Verb, a.Target)
			if len(a.Args) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(a.Args, ", "))
			}
			if a.Description != "" {
				fmt.Fprintf(&b, " — %s", a.Description)
			}
			b.WriteByte('\n')
		}
		if wrote {
			b.WriteByte('\n')
		}
	}

	// leftover problems get an initial-assessment line instead of
	// silence
	var leftovers []ProblemSpec
	for _, p := range problems {
		if !covered[p.ID] {
			leftovers = append(leftovers, p)
		}
	}
	if len(leftovers) > 0 {
		sort.SliceStable(leftovers, func(i, j int) bool {
			return severityRank(leftovers[i].Severity) < severityRank(leftovers[j].Severity)
		})
		b.WriteString("## Needs further investigation\n\n")
		for _, p := range leftovers {
			fmt.Fprintf(&b, "- What I'm seeing: %s (%s, %s) — initial assessment only, no verified recommendation yet.\n",
				p.Summary, p.Category, p.Severity)
		}
	}

	return strings.TrimSpace(b.String())
}
