package statsreport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordPieceAccumulatesTotal(t *testing.T) {
	r := New()
	defer r.Close()

	r.RecordPiece(100)
	r.RecordPiece(250)

	_, total := r.Snapshot()
	require.Equal(t, int64(350), total)
}

func TestSnapshotStartsAtZero(t *testing.T) {
	r := New()
	defer r.Close()

	rate, total := r.Snapshot()
	require.Equal(t, float64(0), rate)
	require.Equal(t, int64(0), total)
}
