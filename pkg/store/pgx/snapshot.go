package pgx

import (
	"context"

	"github.com/cartahq/carta/backend/pkg/common"
)

// Snapshot returns a consistent read of the tenant's graph. The whole read
// runs in one repeatable-read transaction, so an in-progress merge is either
// fully visible or not at all.
func (s *Store) Snapshot(ctx context.Context, tenantID string) (common.Snapshot, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return common.Snapshot{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return common.Snapshot{}, err
	}

	snap := common.Snapshot{}

	nodeRows, err := tx.Query(ctx, snapshotNodesSQL, tenantID)
	if err != nil {
		return common.Snapshot{}, err
	}
	for nodeRows.Next() {
		var n common.Node
		var kind string
		if err := nodeRows.Scan(&n.ID, &n.TenantID, &kind, &n.Key, &n.Label, &n.FactIDs); err != nil {
			nodeRows.Close()
			return common.Snapshot{}, err
		}
		n.Kind = common.NodeKind(kind)
		snap.Nodes = append(snap.Nodes, n)
	}
	nodeRows.Close()
	if err := nodeRows.Err(); err != nil {
		return common.Snapshot{}, err
	}

	relRows, err := tx.Query(ctx, snapshotRelationsSQL, tenantID)
	if err != nil {
		return common.Snapshot{}, err
	}
	relIndex := make(map[string]int)
	for relRows.Next() {
		var r common.Relation
		var kind string
		if err := relRows.Scan(&r.ID, &r.TenantID, &kind, &r.FromID, &r.ToID); err != nil {
			relRows.Close()
			return common.Snapshot{}, err
		}
		r.Kind = common.RelationKind(kind)
		relIndex[r.ID] = len(snap.Relations)
		snap.Relations = append(snap.Relations, r)
	}
	relRows.Close()
	if err := relRows.Err(); err != nil {
		return common.Snapshot{}, err
	}

	provRows, err := tx.Query(ctx, snapshotRelationProvenanceSQL, tenantID)
	if err != nil {
		return common.Snapshot{}, err
	}
	for provRows.Next() {
		var relationID string
		var p common.Provenance
		err := provRows.Scan(&relationID, &p.ChunkID, &p.ArtifactID, &p.ContentHash, &p.Method, &p.AddedAt)
		if err != nil {
			provRows.Close()
			return common.Snapshot{}, err
		}
		if idx, ok := relIndex[relationID]; ok {
			snap.Relations[idx].Provenance = append(snap.Relations[idx].Provenance, p)
		}
	}
	provRows.Close()
	if err := provRows.Err(); err != nil {
		return common.Snapshot{}, err
	}

	factRows, err := tx.Query(ctx, snapshotFactsSQL, tenantID)
	if err != nil {
		return common.Snapshot{}, err
	}
	facts, err := scanFacts(factRows)
	if err != nil {
		return common.Snapshot{}, err
	}
	if err := s.attachProvenance(ctx, tx, tenantID, facts); err != nil {
		return common.Snapshot{}, err
	}
	snap.Facts = facts

	return snap, tx.Commit(ctx)
}

const snapshotNodesSQL = `
SELECT n.id, n.tenant_id, n.kind, n.key, n.label,
       COALESCE(array_agg(nf.fact_id ORDER BY nf.fact_id)
                FILTER (WHERE nf.fact_id IS NOT NULL), '{}')
FROM nodes n
LEFT JOIN node_facts nf ON nf.tenant_id = n.tenant_id AND nf.node_id = n.id
WHERE n.tenant_id = $1
GROUP BY n.id, n.tenant_id, n.kind, n.key, n.label
ORDER BY n.key;
`

const snapshotRelationsSQL = `
SELECT id, tenant_id, kind, from_id, to_id
FROM relations
WHERE tenant_id = $1
ORDER BY id;
`

const snapshotRelationProvenanceSQL = `
SELECT relation_id, chunk_id, artifact_id, content_hash, method, added_at
FROM relation_provenance
WHERE tenant_id = $1
ORDER BY relation_id, added_at, chunk_id;
`

const snapshotFactsSQL = `
SELECT id, tenant_id, type, payload, confidence, status, superseded_by,
       embedding, created_at, last_confirmed
FROM facts
WHERE tenant_id = $1
ORDER BY id;
`
