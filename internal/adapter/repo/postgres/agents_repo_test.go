package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgestack/agentd/internal/adapter/repo/postgres"
	"github.com/forgestack/agentd/internal/domain"
)

func TestAgentRepo_PickIdle(t *testing.T) {
	hb := time.Now().Add(-5 * time.Second)
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "agent-1"
		*(dest[1].(*string)) = "coder-a"
		*(dest[2].(*string)) = domain.ProfileCoding
		*(dest[3].(*string)) = "anthropic"
		*(dest[4].(*string)) = "claude-sonnet-4-0"
		*(dest[5].(*domain.AgentStatus)) = domain.AgentIdle
		*(dest[6].(**string)) = nil
		*(dest[7].(**time.Time)) = &hb
		*(dest[8].(*bool)) = false
		*(dest[9].(*int)) = 10
		return nil
	}}}
	repo := postgres.NewAgentRepo(pool)

	a, err := repo.PickIdle(context.Background(), domain.ProfileCoding)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", a.ID)
	assert.Equal(t, domain.AgentIdle, a.Status)
	assert.Contains(t, pool.lastSQL, "NOT maintenance")
	assert.Contains(t, pool.lastSQL, "priority DESC")
}

func TestAgentRepo_PickIdleNone(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewAgentRepo(pool)

	_, err := repo.PickIdle(context.Background(), domain.ProfileTesting)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAgentRepo_MarkBusyRace(t *testing.T) {
	pool := &poolStub{execTag: tag("UPDATE 0")}
	repo := postgres.NewAgentRepo(pool)

	err := repo.MarkBusy(context.Background(), "agent-1", "job-1", time.Now())
	require.ErrorIs(t, err, domain.ErrConflict, "losing the idle race must surface as a conflict")
}

func TestAgentRepo_MarkIdle(t *testing.T) {
	pool := &poolStub{execTag: tag("UPDATE 1")}
	repo := postgres.NewAgentRepo(pool)

	require.NoError(t, repo.MarkIdle(context.Background(), "agent-1", time.Now()))
	assert.Contains(t, pool.lastSQL, "current_job_id=NULL")
}
