package version

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cdandre2010/ohlcvault/internal/domain"
)

type edge struct {
	parent, child domain.Version
	action        string
	ts            time.Time
	id            int64
}

// GetVersionLineage reconstructs the neighbourhood of v from related_version
// links in the audit trail. Parents and children are the immediate links;
// ancestors and descendants are walked breadth-first up to depth. Event
// arrival order plays no part in the result.
func (s *Store) GetVersionLineage(ctx context.Context, key domain.SeriesKey, v domain.Version, depth int) (domain.Lineage, error) {
	if err := key.Validate(); err != nil {
		return domain.Lineage{}, fmt.Errorf("version: %w", err)
	}
	if depth <= 0 {
		depth = s.cfg.LineageDepth
	}
	events, err := s.deps.Audit.List(ctx, key, domain.AuditFilter{})
	if err != nil {
		return domain.Lineage{}, fmt.Errorf("version: lineage %s: %w", v, err)
	}

	var edges []edge
	known := v.IsLatest()
	for _, ev := range events {
		if ev.Version == v || (ev.RelatedVersion != nil && *ev.RelatedVersion == v) {
			known = true
		}
		if ev.RelatedVersion == nil || *ev.RelatedVersion == ev.Version {
			continue
		}
		edges = append(edges, edge{parent: *ev.RelatedVersion, child: ev.Version, action: ev.Action, ts: ev.Timestamp, id: ev.ID})
	}
	if !known {
		if err := s.requireVersion(ctx, key, v); err != nil {
			return domain.Lineage{}, err
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		if !edges[i].ts.Equal(edges[j].ts) {
			return edges[i].ts.Before(edges[j].ts)
		}
		return edges[i].id < edges[j].id
	})

	up := make(map[domain.Version][]edge)
	down := make(map[domain.Version][]edge)
	for _, e := range edges {
		up[e.child] = append(up[e.child], e)
		down[e.parent] = append(down[e.parent], e)
	}

	lin := domain.Lineage{
		Version:     v,
		Ancestors:   walk(v, depth, up, func(e edge) domain.Version { return e.parent }),
		Descendants: walk(v, depth, down, func(e edge) domain.Version { return e.child }),
	}
	for _, l := range lin.Ancestors {
		if l.Depth == 1 {
			lin.Parents = append(lin.Parents, l)
		}
	}
	for _, l := range lin.Descendants {
		if l.Depth == 1 {
			lin.Children = append(lin.Children, l)
		}
	}

	if v.Kind == domain.VersionSnapshot {
		if meta, err := s.deps.Snapshots.Get(ctx, key, v.SnapshotID); err == nil {
			lin.Snapshot = &meta
		}
	}
	return lin, nil
}

func walk(start domain.Version, depth int, adj map[domain.Version][]edge, next func(edge) domain.Version) []domain.LineageLink {
	visited := map[domain.Version]bool{start: true}
	frontier := []domain.Version{start}
	var out []domain.LineageLink
	for d := 1; d <= depth && len(frontier) > 0; d++ {
		var nextFrontier []domain.Version
		for _, v := range frontier {
			for _, e := range adj[v] {
				n := next(e)
				if visited[n] {
					continue
				}
				visited[n] = true
				out = append(out, domain.LineageLink{Version: n, Action: e.action, Depth: d, Timestamp: e.ts})
				nextFrontier = append(nextFrontier, n)
			}
		}
		frontier = nextFrontier
	}
	return out
}
