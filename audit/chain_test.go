package audit

import (
	"encoding/json"
	"testing"

	"agent-sentinel/account"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T) (*Chain, *account.Account, string) {
	t.Helper()
	recorder, err := account.New()
	require.NoError(t, err)

	dataPath := t.TempDir()
	chain, err := NewChain(recorder, dataPath)
	require.NoError(t, err)
	t.Cleanup(chain.Close)
	return chain, recorder, dataPath
}

func TestNewChain_CreatesGenesis(t *testing.T) {
	chain, recorder, _ := newTestChain(t)

	require.Equal(t, 1, chain.Count())
	genesis := chain.Latest()
	assert.Equal(t, KindGenesis, genesis.Kind)
	assert.Equal(t, uint64(0), genesis.Index)
	assert.Equal(t, PrevHashOfGenesis, genesis.PrevHash)
	assert.Equal(t, recorder.Address, genesis.RecorderAddress)
	assert.True(t, chain.Verify())
}

func TestAppend_LinksAndSigns(t *testing.T) {
	chain, recorder, _ := newTestChain(t)
	genesis := chain.Latest()

	entry, err := chain.Append(KindVerdict, "rogue-agent", "session-1",
		map[string]string{"decision": "malicious"})
	require.NoError(t, err)

	assert.Equal(t, genesis.Hash, entry.PrevHash)
	assert.Equal(t, genesis.Index+1, entry.Index)
	assert.True(t, entry.VerifySignature(recorder.PublicKey))
	assert.True(t, chain.Verify())

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(entry.Data), &payload))
	assert.Equal(t, "malicious", payload["decision"])

	assert.Same(t, entry, chain.EntryByHash(entry.Hash))
	assert.Nil(t, chain.EntryByHash("no-such-hash"))
}

func TestEntriesForAgent(t *testing.T) {
	chain, _, _ := newTestChain(t)

	_, err := chain.Append(KindVerdict, "agent-a", "s1", map[string]string{"decision": "malicious"})
	require.NoError(t, err)
	_, err = chain.Append(KindQuarantine, "agent-a", "", map[string]string{"level": "hard"})
	require.NoError(t, err)
	_, err = chain.Append(KindVerdict, "agent-b", "s2", map[string]string{"decision": "benign"})
	require.NoError(t, err)

	entries := chain.EntriesForAgent("agent-a")
	require.Len(t, entries, 2)
	assert.Equal(t, KindVerdict, entries[0].Kind)
	assert.Equal(t, KindQuarantine, entries[1].Kind)
	assert.Empty(t, chain.EntriesForAgent("agent-c"))
}

func TestChain_ReloadsFromDisk(t *testing.T) {
	recorder, err := account.New()
	require.NoError(t, err)
	dataPath := t.TempDir()

	chain, err := NewChain(recorder, dataPath)
	require.NoError(t, err)
	_, err = chain.Append(KindViolation, "agent-a", "", map[string]string{"type": "rate_limit"})
	require.NoError(t, err)
	originalHash := chain.Latest().Hash
	chain.Close()

	reloaded, err := NewChain(recorder, dataPath)
	require.NoError(t, err)
	defer reloaded.Close()

	assert.Equal(t, 2, reloaded.Count(), "Reopening must load entries, not mint a new genesis")
	assert.Equal(t, originalHash, reloaded.Latest().Hash)
	assert.True(t, reloaded.Verify())
}

func TestVerify_DetectsTampering(t *testing.T) {
	chain, _, _ := newTestChain(t)

	_, err := chain.Append(KindVerdict, "agent-a", "s1", map[string]string{"decision": "malicious"})
	require.NoError(t, err)
	require.True(t, chain.Verify())

	chain.entries[1].Data = `{"decision":"benign"}`
	assert.False(t, chain.Verify(), "Rewritten history must break the hash check")
}
