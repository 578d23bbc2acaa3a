package gitstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/uci"
)

const networkV1 = `config interface 'lan'
	option proto 'static'
	option ipaddr '192.168.1.1'
`

const networkV2 = `config interface 'lan'
	option proto 'static'
	option ipaddr '192.168.2.1'

config interface 'guest'
	option proto 'static'
`

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), uci.SectionDiffer{})
	require.NoError(t, err)
	return s
}

func TestCommitAndRestore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rev, err := s.CurrentRevision(ctx)
	require.NoError(t, err)
	assert.Empty(t, rev)

	require.NoError(t, s.Snapshot(ctx, map[string][]byte{"network": []byte(networkV1), "dhcp": []byte("config dnsmasq\n")}))
	first, err := s.Commit(ctx, "baseline 1")
	require.NoError(t, err)
	assert.Len(t, first, 40)

	cur, err := s.CurrentRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, cur)

	require.NoError(t, s.Snapshot(ctx, map[string][]byte{"network": []byte(networkV2)}))
	second, err := s.Commit(ctx, "baseline 2")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	old, err := s.Restore(ctx, first, "network")
	require.NoError(t, err)
	assert.Equal(t, networkV1, string(old))

	_, err = s.Restore(ctx, second, "dhcp")
	assert.ErrorIs(t, err, ErrFileNotFound)

	changed, err := s.ChangedSince(ctx, first)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"network", "dhcp"}, changed)

	hist, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "baseline 2", hist[0].Message)
	assert.Equal(t, second, hist[0].Hash)
}

func TestEmptyCommitAllowed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Snapshot(ctx, map[string][]byte{"system": []byte("config system\n")}))
	a, err := s.Commit(ctx, "a")
	require.NoError(t, err)
	b, err := s.Commit(ctx, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDiffSinceWorktree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Snapshot(ctx, map[string][]byte{"network": []byte(networkV1)}))
	rev, err := s.Commit(ctx, "baseline")
	require.NoError(t, err)

	require.NoError(t, s.Snapshot(ctx, map[string][]byte{"network": []byte(networkV2)}))
	diff, err := s.DiffSince(ctx, rev, "network")
	require.NoError(t, err)
	assert.Equal(t, []string{"interface.guest"}, diff.SectionsAdded)
	assert.Equal(t, []string{"interface.lan"}, diff.SectionsModified)
	assert.True(t, diff.Structural())

	// 新文件：版本中不存在
	require.NoError(t, s.Snapshot(ctx, map[string][]byte{"network": []byte(networkV1), "extra": []byte("config foo 'bar'\n")}))
	diff, err = s.DiffSince(ctx, rev, "extra")
	require.NoError(t, err)
	assert.Equal(t, []string{"foo.bar"}, diff.SectionsAdded)
}

func TestReopenKeepsHistory(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(dir, uci.SectionDiffer{})
	require.NoError(t, err)
	require.NoError(t, s.Snapshot(ctx, map[string][]byte{"network": []byte(networkV1)}))
	rev, err := s.Commit(ctx, "baseline")
	require.NoError(t, err)

	again, err := Open(dir, uci.SectionDiffer{})
	require.NoError(t, err)
	cur, err := again.CurrentRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev, cur)
}

func TestRejectsEscapingPaths(t *testing.T) {
	s := openTestStore(t)
	err := s.Snapshot(context.Background(), map[string][]byte{"../evil": []byte("x")})
	assert.Error(t, err)
}
