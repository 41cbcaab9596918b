package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shengquan-ni/flink-exp/pkg/types"
)

func mailRecord(step uint64, name string) types.LogRecord {
	return types.LogRecord{
		Step:     types.StepNumber(step),
		Kind:     types.KindMailEnqueued,
		MailName: name,
		MailArgs: []types.Arg{types.StringArg("x"), types.Int64Arg(42)},
	}
}

func TestMemStoreAppendAndIterate(t *testing.T) {
	be := NewMemStore()
	defer be.Close()

	exists, err := be.Exists()
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, be.Append(mailRecord(1, "ping")))
	require.NoError(t, be.Append(mailRecord(2, "pong")))

	exists, err = be.Exists()
	require.NoError(t, err)
	assert.True(t, exists)

	last, err := be.LastStep()
	require.NoError(t, err)
	assert.Equal(t, types.StepNumber(2), last)

	var got []types.LogRecord
	require.NoError(t, be.Iterate(func(r types.LogRecord) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "ping", got[0].MailName)
	assert.Equal(t, "pong", got[1].MailName)
	assert.Equal(t, types.StepNumber(1), got[0].Step)
	assert.Equal(t, "x", got[0].MailArgs[0].AsString())
	assert.Equal(t, int64(42), got[0].MailArgs[1].AsInt64())
}

func TestMemStoreRejectsNonIncreasingStep(t *testing.T) {
	be := NewMemStore()
	defer be.Close()

	require.NoError(t, be.Append(mailRecord(5, "a")))
	err := be.Append(mailRecord(5, "b"))
	assert.Error(t, err)
	err = be.Append(mailRecord(3, "c"))
	assert.Error(t, err)
}

func TestMemStoreClearIsNoOpOnEmpty(t *testing.T) {
	be := NewMemStore()
	defer be.Close()
	assert.NoError(t, be.Clear())
}

func TestMemStoreClearDiscardsRecords(t *testing.T) {
	be := NewMemStore()
	defer be.Close()
	require.NoError(t, be.Append(mailRecord(1, "a")))
	require.NoError(t, be.Append(mailRecord(2, "b")))
	require.NoError(t, be.Clear())

	var got []types.LogRecord
	require.NoError(t, be.Iterate(func(r types.LogRecord) error {
		got = append(got, r)
		return nil
	}))
	assert.Empty(t, got)
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay-log.bolt")

	be, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, be.Append(mailRecord(1, "ping")))
	require.NoError(t, be.Append(mailRecord(2, "pong")))
	require.NoError(t, be.Close())

	reopened, err := NewBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.LastStep()
	require.NoError(t, err)
	assert.Equal(t, types.StepNumber(2), last)

	var names []string
	require.NoError(t, reopened.Iterate(func(r types.LogRecord) error {
		names = append(names, r.MailName)
		return nil
	}))
	assert.Equal(t, []string{"ping", "pong"}, names)
}

func TestBoltStoreDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay-log.bolt")

	be, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, be.Append(mailRecord(1, "ping")))
	require.NoError(t, be.Delete())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = NewBoltStore(path)
	require.NoError(t, err)
}

func TestEncodeDecodeRecordKinds(t *testing.T) {
	cases := []types.LogRecord{
		mailRecord(1, "ping"),
		{Step: 2, Kind: types.KindOutputEmitted, Partition: 3, Output: []byte("hello")},
		{Step: 3, Kind: types.KindCheckpointBoundary, CheckpointID: 42},
		{Step: 4, Kind: types.KindClear},
	}
	for _, rec := range cases {
		data, err := encodeRecord(rec)
		require.NoError(t, err)
		got, err := decodeRecord(data)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
}

func TestDecodeRecordTruncated(t *testing.T) {
	_, err := decodeRecord([]byte{byte(types.KindMailEnqueued)})
	assert.Error(t, err)
}
