package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordReportIncrementsCounters(t *testing.T) {
	before := testutil.ToFloat64(AssetsAdded)

	RecordReport(3, 1, 0, 0, 0, 0, 0, 0, 0, 0, true)

	after := testutil.ToFloat64(AssetsAdded)
	if after != before+3 {
		t.Errorf("AssetsAdded = %v, want %v", after, before+3)
	}

	okBefore := testutil.ToFloat64(DandisetRunsTotal.WithLabelValues("ok"))
	RecordReport(0, 0, 0, 0, 0, 0, 0, 0, 0, 0, true)
	okAfter := testutil.ToFloat64(DandisetRunsTotal.WithLabelValues("ok"))
	if okAfter != okBefore+1 {
		t.Errorf("DandisetRunsTotal{outcome=ok} = %v, want %v", okAfter, okBefore+1)
	}
}

func TestRecordReportFailedOutcome(t *testing.T) {
	before := testutil.ToFloat64(DandisetRunsTotal.WithLabelValues("failed"))
	RecordReport(0, 0, 0, 0, 0, 1, 0, 0, 0, 0, false)
	after := testutil.ToFloat64(DandisetRunsTotal.WithLabelValues("failed"))
	if after != before+1 {
		t.Errorf("DandisetRunsTotal{outcome=failed} = %v, want %v", after, before+1)
	}
}
