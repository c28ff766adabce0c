package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordPreKeyCountsUpdatesAllThreeGauges(t *testing.T) {
	RecordPreKeyCounts(42, 2, 3)
	assert.Equal(t, float64(42), testutil.ToFloat64(PreKeyCount))
	assert.Equal(t, float64(2), testutil.ToFloat64(SignedPreKeyCount))
	assert.Equal(t, float64(3), testutil.ToFloat64(PQPreKeyCount))
}

func TestRecordSessionEstablishedIncrementsByRole(t *testing.T) {
	before := testutil.ToFloat64(SessionsEstablishedTotal.WithLabelValues("initiator"))
	RecordSessionEstablished("initiator")
	after := testutil.ToFloat64(SessionsEstablishedTotal.WithLabelValues("initiator"))
	assert.Equal(t, before+1, after)
}
