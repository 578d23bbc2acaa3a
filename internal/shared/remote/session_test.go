package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/shared/model"
)

func TestQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, Quote("plain"))
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
}

func TestRunNonZeroExit(t *testing.T) {
	s := NewFakeSession("r1").Fail("uci commit", "uci: Entry not found")
	require.NoError(t, s.Connect(context.Background()))

	_, err := Run(context.Background(), s, "uci commit network", time.Second)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Result.ExitStatus)
	assert.Contains(t, err.Error(), "Entry not found")

	res, err := Run(context.Background(), s, "uci show", time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestFakeSessionRules(t *testing.T) {
	s := NewFakeSession("r1")
	s.OnOnce("ping", 2, ExecResult{ExitStatus: 1}, nil)
	ctx := context.Background()

	_, err := s.Execute(ctx, "echo", time.Second)
	assert.Error(t, err, "not connected yet")

	require.NoError(t, s.Connect(ctx))
	for i := 0; i < 2; i++ {
		res, err := s.Execute(ctx, "ping -c1 1.1.1.1", time.Second)
		require.NoError(t, err)
		assert.False(t, res.OK())
	}
	res, err := s.Execute(ctx, "ping -c1 1.1.1.1", time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 3, s.Count("ping"))

	s.On("boom", ExecResult{}, errors.New("broken pipe"))
	_, err = s.Execute(ctx, "boom", time.Second)
	assert.EqualError(t, err, "broken pipe")
}

func TestFakeSessionFiles(t *testing.T) {
	local := filepath.Join(t.TempDir(), "batch")
	require.NoError(t, os.WriteFile(local, []byte("set network.lan.ipaddr='10.0.0.1'\n"), 0o644))

	s := NewFakeSession("r1")
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Upload(ctx, local, "/tmp/batch"))

	var buf bytes.Buffer
	n, err := s.Download(ctx, "/tmp/batch", &buf)
	require.NoError(t, err)
	assert.EqualValues(t, buf.Len(), n)
	assert.Contains(t, buf.String(), "10.0.0.1")
	assert.True(t, s.Ran("upload /tmp/batch"))
}

func TestFakeDialerReusesSessions(t *testing.T) {
	d := NewFakeDialer()
	d.Setup = func(s *FakeSession) { s.Fail("df", "no df") }
	a, err := d.Open(&model.Device{ID: "r1"})
	require.NoError(t, err)
	assert.Same(t, d.Session("r1"), a)
	require.NoError(t, a.Connect(context.Background()))
	res, _ := a.Execute(context.Background(), "df -k /tmp", time.Second)
	assert.False(t, res.OK())
}
