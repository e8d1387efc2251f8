package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kensa/internal/model"
)

const memoryColumns = `id, memory_type, content, content_encrypted, agent_type, related_run_id, tags,
	importance_score, access_count, last_accessed, embedding_stored, created_at`

// CreateMemory inserts a memory row.
func (db *DB) CreateMemory(ctx context.Context, m model.Memory) error {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO memories (id, memory_type, content, content_encrypted, agent_type, related_run_id, tags,
		                       importance_score, access_count, embedding_stored, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)`,
		m.ID, m.MemoryType, m.Content, m.ContentEncrypted, m.AgentType, m.RelatedRunID, tags,
		m.ImportanceScore, m.EmbeddingStored, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create memory: %w", err)
	}
	return nil
}

// SetMemoryEmbeddingStatus records the outcome of the best-effort index write.
func (db *DB) SetMemoryEmbeddingStatus(ctx context.Context, id uuid.UUID, status model.EmbeddingStatus) error {
	tag, err := db.pool.Exec(ctx, `UPDATE memories SET embedding_stored = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: set embedding status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetMemory retrieves a memory by ID without touching its access stats.
func (db *DB) GetMemory(ctx context.Context, id uuid.UUID) (model.Memory, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = $1`, id)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMemory)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, fmt.Errorf("storage: memory %s: %w", id, ErrNotFound)
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// TouchMemories loads the memories in ids that match filter and, in the same
// statement, increments access_count and sets last_accessed for each loaded
// row. Rows are returned in no particular order; ids absent from the table
// or excluded by the filter are skipped.
func (db *DB) TouchMemories(ctx context.Context, ids []uuid.UUID, filter model.MemoryFilter, now time.Time) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.Memory
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		rows, err := db.pool.Query(ctx,
			`UPDATE memories
			 SET access_count = access_count + 1, last_accessed = $4
			 WHERE id = ANY($1)
			   AND ($2 = '' OR memory_type = $2)
			   AND ($3 = '' OR agent_type = $3)
			 RETURNING `+memoryColumns,
			ids, filter.MemoryType, filter.AgentType, now,
		)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scanMemory)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: touch memories: %w", err)
	}
	return out, nil
}

// ListRecentMemories returns memories newest first, optionally for one agent type.
func (db *DB) ListRecentMemories(ctx context.Context, agentType string, limit int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE ($1 = '' OR agent_type = $1)
		 ORDER BY created_at DESC, id
		 LIMIT $2`,
		agentType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent memories: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("storage: scan memories: %w", err)
	}
	return out, nil
}

// ListImportantMemories returns memories with importance_score >= minImportance,
// most important first.
func (db *DB) ListImportantMemories(ctx context.Context, agentType string, minImportance float64, limit int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE ($1 = '' OR agent_type = $1) AND importance_score >= $2
		 ORDER BY importance_score DESC, created_at DESC
		 LIMIT $3`,
		agentType, minImportance, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list important memories: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("storage: scan memories: %w", err)
	}
	return out, nil
}

// PruneMemories permanently deletes every memory created before cutoff whose
// importance is below minImportance and whose access count is below
// minAccessCount. All three conditions must hold. Returns the deleted ids.
func (db *DB) PruneMemories(ctx context.Context, cutoff time.Time, minImportance float64, minAccessCount int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`DELETE FROM memories
		 WHERE created_at < $1 AND importance_score < $2 AND access_count < $3
		 RETURNING id`,
		cutoff, minImportance, minAccessCount,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: prune memories: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("storage: prune memories: %w", err)
	}
	return ids, nil
}

// ListUnindexedMemories returns memories created before createdBefore whose
// index write failed or was never recorded, oldest first.
func (db *DB) ListUnindexedMemories(ctx context.Context, createdBefore time.Time, limit int) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE (embedding_stored IS NULL OR embedding_stored = 'failed') AND created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`,
		createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unindexed memories: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanMemory)
	if err != nil {
		return nil, fmt.Errorf("storage: scan memories: %w", err)
	}
	return out, nil
}

// CountMemoriesByEmbeddingStatus reports how many memories carry each
// embedding status. Memories never attempted are counted under "".
func (db *DB) CountMemoriesByEmbeddingStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT COALESCE(embedding_stored, ''), COUNT(*) FROM memories GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("storage: count memories: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan memory count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanMemory(row pgx.CollectableRow) (model.Memory, error) {
	var m model.Memory
	var embedding *string
	err := row.Scan(
		&m.ID, &m.MemoryType, &m.Content, &m.ContentEncrypted, &m.AgentType, &m.RelatedRunID, &m.Tags,
		&m.ImportanceScore, &m.AccessCount, &m.LastAccessed, &embedding, &m.CreatedAt,
	)
	if embedding != nil {
		s := model.EmbeddingStatus(*embedding)
		m.EmbeddingStored = &s
	}
	return m, err
}
