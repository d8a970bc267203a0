package membership

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/nextcloud/circles-sub000/pkg/model"
)

const propertyNodes = 6

var propertyLevels = []model.Level{
	model.LevelNone, model.LevelMember, model.LevelModerator, model.LevelAdmin, model.LevelOwner,
}

type edge struct {
	parent, child string
	level         model.Level
}

// decodeEdges turns generated integers into distinct (parent, child) rows.
func decodeEdges(codes []int) []edge {
	seen := map[[2]string]bool{}
	var out []edge
	for _, code := range codes {
		level := propertyLevels[code%len(propertyLevels)]
		code /= len(propertyLevels)
		parent := fmt.Sprintf("n%d", code%propertyNodes)
		child := fmt.Sprintf("n%d", (code/propertyNodes)%propertyNodes)
		if parent == child || seen[[2]string{parent, child}] {
			continue
		}
		seen[[2]string{parent, child}] = true
		out = append(out, edge{parent: parent, child: child, level: level})
	}
	return out
}

// reference computes the best (level, depth) per circle from breadth-first
// distances: the level of a path is the level of its last row.
func reference(edges []edge, subject string) map[string][2]int {
	dist := map[string]int{subject: 0}
	queue := []string{subject}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range edges {
			if e.child != cur || e.level < model.LevelMember {
				continue
			}
			if _, ok := dist[e.parent]; !ok {
				dist[e.parent] = dist[cur] + 1
				queue = append(queue, e.parent)
			}
		}
	}

	best := map[string][2]int{}
	for _, e := range edges {
		d, ok := dist[e.child]
		if !ok || e.level < model.LevelMember {
			continue
		}
		cand := [2]int{int(e.level), d + 1}
		prev, ok := best[e.parent]
		if !ok || cand[0] > prev[0] || (cand[0] == prev[0] && cand[1] < prev[1]) {
			best[e.parent] = cand
		}
	}
	return best
}

func TestClosureMatchesReference(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("closure keeps the highest level then the shortest path", prop.ForAll(
		func(codes []int) bool {
			edges := decodeEdges(codes)
			g := newGraph()
			levels := map[[2]string]model.Level{}
			for _, e := range edges {
				g.add(e.parent, e.child, e.level)
				levels[[2]string{e.parent, e.child}] = e.level
			}

			got, err := New(g, nil, nil).Closure(context.Background(), "n0")
			if err != nil {
				return false
			}
			want := reference(edges, "n0")
			if len(got) != len(want) {
				return false
			}
			for id, w := range want {
				m, ok := got[id]
				if !ok || int(m.Level) != w[0] || m.InheritanceDepth != w[1] {
					return false
				}
				// the stored path must be walkable and end with a row of the reported level
				prev := "n0"
				for i, hop := range m.InheritancePath {
					level, ok := levels[[2]string{hop, prev}]
					if !ok || level < model.LevelMember {
						return false
					}
					if i == len(m.InheritancePath)-1 && level != m.Level {
						return false
					}
					prev = hop
				}
				if prev != id {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, propertyNodes*propertyNodes*len(propertyLevels)-1)),
	))

	properties.TestingRun(t)
}
