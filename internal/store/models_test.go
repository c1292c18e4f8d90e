package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkID_Stable(t *testing.T) {
	a := ChunkID("acme", "widget", "pkg/auth/token.go", 10, 42)
	b := ChunkID("acme", "widget", "pkg/auth/token.go", 10, 42)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestChunkID_DistinguishesSpans(t *testing.T) {
	base := ChunkID("acme", "widget", "main.go", 1, 20)
	assert.NotEqual(t, base, ChunkID("acme", "widget", "main.go", 1, 21))
	assert.NotEqual(t, base, ChunkID("acme", "widget", "main.go", 2, 20))
	assert.NotEqual(t, base, ChunkID("acme", "other", "main.go", 1, 20))
	assert.NotEqual(t, base, ChunkID("acme", "widget", "main_test.go", 1, 20))
}

func TestRepositoryRefKey(t *testing.T) {
	ref := RepositoryRef{Owner: "acme", Name: "widget", Branch: "main"}
	assert.Equal(t, "acme/widget/main", ref.Key())
	assert.Equal(t, ref.Key(), ref.String())
}

func TestTerminalPhase(t *testing.T) {
	assert.True(t, TerminalPhase(PhaseCompleted))
	assert.True(t, TerminalPhase(PhaseFailed))
	assert.False(t, TerminalPhase(PhasePending))
	assert.False(t, TerminalPhase(PhaseEmbedding))
	assert.False(t, TerminalPhase(PhaseNotStarted))
}
