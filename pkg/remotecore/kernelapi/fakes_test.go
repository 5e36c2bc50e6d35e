package kernelapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/go-remotecore/pkg/remotecore/types"
)

func TestFakeStoreImportIsStableForSameERef(t *testing.T) {
	s := NewFakeStore()
	a, err := s.ImportKRef("r1", "ro+1")
	require.NoError(t, err)
	b, err := s.ImportKRef("r1", "ro+1")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestFakeStoreExportIsStableForSameKRef(t *testing.T) {
	s := NewFakeStore()
	a, err := s.ExportERef("r1", "k1")
	require.NoError(t, err)
	b, err := s.ExportERef("r1", "k1")
	require.NoError(t, err)
	require.Equal(t, a, b)

	other, err := s.ExportERef("r1", "k2")
	require.NoError(t, err)
	require.NotEqual(t, a, other)
}

func TestFakeQueueRecordsCalls(t *testing.T) {
	q := NewFakeQueue()
	require.NoError(t, q.EnqueueSend("r1", "k1", types.CapData{}, nil))
	require.NoError(t, q.DropImports("r1", []types.KRef{"k1", "k2"}))
	require.Len(t, q.Sends, 1)
	require.Len(t, q.DroppedImports, 1)
	require.Equal(t, []types.KRef{"k1", "k2"}, q.DroppedImports[0].KRefs)
}
