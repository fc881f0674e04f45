package pgx

import (
	"context"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// applyFactTx materializes the fact's nodes and edges. Nodes upsert by
// natural key; relations upsert by (kind, from, to) and only when both
// endpoints exist.
func (s *Store) applyFactTx(ctx context.Context, tx pgxv5.Tx, fact common.Fact) error {
	nodes, relations := store.MaterializeFact(fact)

	nodeIDs := make(map[string]string, len(nodes))
	for _, spec := range nodes {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		var nodeID string
		err = tx.QueryRow(ctx, upsertNodeSQL,
			fact.TenantID, id, string(spec.Kind), spec.Key, spec.Label,
		).Scan(&nodeID)
		if err != nil {
			return err
		}
		nodeIDs[spec.Key] = nodeID

		_, err = tx.Exec(ctx, insertNodeFactSQL, fact.TenantID, nodeID, fact.ID)
		if err != nil {
			return err
		}
	}

	for _, spec := range relations {
		fromID, okFrom := nodeIDs[spec.FromKey]
		toID, okTo := nodeIDs[spec.ToKey]
		if !okFrom {
			fromID, okFrom = s.lookupNodeTx(ctx, tx, fact.TenantID, spec.FromKey)
		}
		if !okTo {
			toID, okTo = s.lookupNodeTx(ctx, tx, fact.TenantID, spec.ToKey)
		}
		if !okFrom || !okTo {
			continue
		}

		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		var relationID string
		err = tx.QueryRow(ctx, upsertRelationSQL,
			fact.TenantID, id, string(spec.Kind), fromID, toID,
		).Scan(&relationID)
		if err != nil {
			return err
		}

		if len(fact.Provenance) > 0 {
			last := fact.Provenance[len(fact.Provenance)-1]
			_, err = tx.Exec(ctx, insertRelationProvenanceSQL,
				fact.TenantID, relationID, last.ChunkID, last.ArtifactID,
				last.ContentHash, last.Method, last.AddedAt)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Store) lookupNodeTx(ctx context.Context, tx pgxv5.Tx, tenantID, key string) (string, bool) {
	var id string
	if err := tx.QueryRow(ctx, getNodeByKeySQL, tenantID, key).Scan(&id); err != nil {
		return "", false
	}
	return id, true
}

// removeFactFromGraphTx detaches the fact from every node. Nodes left
// without support are removed along with their relations.
func (s *Store) removeFactFromGraphTx(ctx context.Context, tx pgxv5.Tx, tenantID, factID string) ([]string, int, error) {
	if _, err := tx.Exec(ctx, deleteNodeFactsSQL, tenantID, factID); err != nil {
		return nil, 0, err
	}

	rows, err := tx.Query(ctx, deleteOrphanNodesSQL, tenantID)
	if err != nil {
		return nil, 0, err
	}
	var removedNodes []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, err
		}
		removedNodes = append(removedNodes, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(removedNodes) == 0 {
		return nil, 0, nil
	}
	tag, err := tx.Exec(ctx, deleteDanglingRelationsSQL, tenantID, removedNodes)
	if err != nil {
		return nil, 0, err
	}
	return removedNodes, int(tag.RowsAffected()), nil
}

const upsertNodeSQL = `
INSERT INTO nodes (tenant_id, id, kind, key, label)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, key) DO UPDATE SET kind = nodes.kind
RETURNING id;
`

const getNodeByKeySQL = `
SELECT id FROM nodes WHERE tenant_id = $1 AND key = $2;
`

const insertNodeFactSQL = `
INSERT INTO node_facts (tenant_id, node_id, fact_id)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, node_id, fact_id) DO NOTHING;
`

const upsertRelationSQL = `
INSERT INTO relations (tenant_id, id, kind, from_id, to_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, kind, from_id, to_id) DO UPDATE SET kind = relations.kind
RETURNING id;
`

const insertRelationProvenanceSQL = `
INSERT INTO relation_provenance (tenant_id, relation_id, chunk_id, artifact_id, content_hash, method, added_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, relation_id, chunk_id) DO NOTHING;
`

const deleteNodeFactsSQL = `
DELETE FROM node_facts WHERE tenant_id = $1 AND fact_id = $2;
`

const deleteOrphanNodesSQL = `
DELETE FROM nodes n
WHERE n.tenant_id = $1
  AND NOT EXISTS (
	SELECT 1 FROM node_facts nf
	WHERE nf.tenant_id = n.tenant_id AND nf.node_id = n.id
  )
RETURNING n.id;
`

const deleteDanglingRelationsSQL = `
DELETE FROM relations
WHERE tenant_id = $1 AND (from_id = ANY($2) OR to_id = ANY($2));
`
