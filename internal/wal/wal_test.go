package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendReplayRoundTrip(t *testing.T) {
	l, _ := openTestLog(t)

	r1, err := l.Append(RecordOrderIntent, "o1", "m1", map[string]any{"size_cents": 500})
	require.NoError(t, err)
	r2, err := l.Append(RecordOrderResult, "o1", "m1", map[string]any{"status": "OPEN"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), r1.Offset)
	assert.Equal(t, int64(1), r2.Offset)

	records, err := l.Replay()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, RecordOrderIntent, records[0].Type)
	assert.Equal(t, "o1", records[0].OrderID)
	assert.Equal(t, RecordOrderResult, records[1].Type)
}

func TestReplayIsDeterministic(t *testing.T) {
	l, _ := openTestLog(t)

	for i := 0; i < 5; i++ {
		_, err := l.Append(RecordStateChanged, "", "", map[string]any{"seq": i})
		require.NoError(t, err)
	}

	first, err := l.Replay()
	require.NoError(t, err)
	second, err := l.Replay()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReopenContinuesOffsets(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.Append(RecordOrderIntent, "o1", "m1", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	rec, err := l2.Append(RecordOrderResult, "o1", "m1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Offset)
}

func TestTornTailIsDropped(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.Append(RecordOrderIntent, "o1", "m1", nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"offset":1,"type":"ORDER_RES`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	records, err := l2.Replay()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestChecksumTamperDetected(t *testing.T) {
	l, path := openTestLog(t)
	_, err := l.Append(RecordOrderIntent, "o1", "m1", map[string]any{"size_cents": 500})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data))
	for i := range tampered {
		if string(tampered[i:i+3]) == "500" {
			tampered[i] = '9'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = Open(path)
	assert.Error(t, err)
}
