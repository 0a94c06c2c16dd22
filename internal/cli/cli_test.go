// ABOUTME: Tests for tsyncctl commands
// ABOUTME: Runs info, dump and verify against generated .tsync files
package cli

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Resonate-Protocol/streamsync/internal/monitor"
	"github.com/Resonate-Protocol/streamsync/pkg/tsyncfile"
	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSample writes 500 records (i*1000, i*1000+50) in blocks of 128
func writeSample(t *testing.T) string {
	t.Helper()

	w, err := tsyncfile.Create(filepath.Join(t.TempDir(), "cam"), tsyncfile.Header{
		CreationTime: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ModuleName:   "rig",
		CollectionID: uuid.MustParse("6f1c2a52-8d7e-4c3b-9a51-2f0d6b7e9c10"),
		Metadata: map[string]any{
			"stream":       "cam",
			"frequency_hz": 30.5,
			"window_size":  int64(50),
		},
		SyncMode:  tsyncfile.SyncModeSyncPoints,
		BlockSize: 128,
		Device:    tsyncfile.Channel{Name: "device", Unit: tsyncfile.UnitMicroseconds, Encoding: tsyncfile.EncodingInt64},
		Master:    tsyncfile.Channel{Name: "master", Unit: tsyncfile.UnitMicroseconds, Encoding: tsyncfile.EncodingInt64},
	})
	require.NoError(t, err)
	for i := range int64(500) {
		require.NoError(t, w.WriteTimes(i*1000, i*1000+50))
	}
	require.NoError(t, w.Close())
	return w.Path()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "tsyncctl", cmd.Use)

	for _, name := range []string{"info", "dump", "verify", "monitors", "watch"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	dump, _, err := cmd.Find([]string{"dump"})
	require.NoError(t, err)
	format := dump.Flags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestInfoGolden(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "info", path)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "info", []byte(out))
}

func TestDump(t *testing.T) {
	path := writeSample(t)

	out, err := run(t, "dump", "-n", "3", path)
	require.NoError(t, err)
	assert.Equal(t, "# device\tmaster\n0\t50\n1000\t1050\n2000\t2050\n", out)

	out, err = run(t, "dump", "--format", "csv", "--limit", "2", path)
	require.NoError(t, err)
	assert.Equal(t, "device,master\n0,50\n1000,1050\n", out)

	out, err = run(t, "dump", path)
	require.NoError(t, err)
	assert.Equal(t, 501, bytes.Count([]byte(out), []byte("\n")))

	_, err = run(t, "dump", "--format", "xml", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestVerify(t *testing.T) {
	good := writeSample(t)
	out, err := run(t, "verify", good)
	require.NoError(t, err)
	assert.Equal(t, "cam.tsync: ok, 500 records in 4 blocks\n", out)

	// flip a byte in the last record of the final block
	bad := filepath.Join(t.TempDir(), "bad.tsync")
	data, err := os.ReadFile(good)
	require.NoError(t, err)
	data[len(data)-17] ^= 0xFF
	require.NoError(t, os.WriteFile(bad, data, 0644))

	out, err = run(t, "verify", good, bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "cam.tsync: ok")
	assert.Contains(t, out, "bad.tsync: checksum mismatch in blocks [3] (500 records in 4 blocks)")

	out, err = run(t, "info", bad)
	require.NoError(t, err)
	assert.Contains(t, out, "mismatch in blocks [3]")
}

func TestVerifyUnreadable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.tsync")
	_, err := run(t, "verify", missing)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	truncated := filepath.Join(t.TempDir(), "short.tsync")
	data, err := os.ReadFile(writeSample(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(truncated, data[:len(data)-1], 0644))

	out, err := run(t, "verify", truncated)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, tsyncfile.ErrTruncated)
	assert.Contains(t, out, "short.tsync: "+tsyncfile.ErrTruncated.Error())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", assert.AnError)))
	assert.Equal(t, "x: "+assert.AnError.Error(), WrapExitError(2, "x", assert.AnError).Error())
}

func TestWatch(t *testing.T) {
	hub := monitor.NewHub(monitor.Hello{Module: "rig", CollectionID: "abc", Product: "streamsync", SoftwareVersion: "test"})
	hub.OffsetChanged("cam", -2*time.Millisecond)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	out, err := run(t, "watch", "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "--count", "1")
	require.NoError(t, err)
	assert.Equal(t, "hello    module=rig collection=abc streamsync test\nsnapshot details=0 offsets=1 stats=0\n", out)

	_, err = run(t, "watch", "ws://127.0.0.1:1/ws")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
