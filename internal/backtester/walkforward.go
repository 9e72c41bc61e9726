package backtester

import (
	"fmt"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/pkg/errs"
)

// Split is one walk-forward window over a bar history. Indices are
// half-open: the training window is [TrainStart, TrainEnd) and the test
// window [TestStart, TestEnd). A purge gap separates training from
// test so label leakage across the boundary is impossible, and an
// embargo gap separates one split's test window from the next split's
// training window.
type Split struct {
	TrainStart int `json:"trainStart"`
	TrainEnd   int `json:"trainEnd"`
	TestStart  int `json:"testStart"`
	TestEnd    int `json:"testEnd"`
}

// GenerateSplits lays out purged, embargoed walk-forward splits over a
// history of n bars. Windows march forward as
// [train][purge][test][embargo][train]... and a history too short for
// even one split is a WindowError.
func GenerateSplits(n int, cfg config.WalkForwardConfig) ([]Split, error) {
	if cfg.TrainBars <= 0 || cfg.TestBars <= 0 {
		return nil, &errs.WindowError{
			HistoryLen: n,
			Detail:     "train and test windows must be positive",
		}
	}
	if cfg.PurgeBars < 0 || cfg.EmbargoBars < 0 {
		return nil, &errs.WindowError{
			HistoryLen: n,
			Detail:     "purge and embargo gaps must be non-negative",
		}
	}

	var splits []Split
	start := 0
	for {
		trainEnd := start + cfg.TrainBars
		testStart := trainEnd + cfg.PurgeBars
		testEnd := testStart + cfg.TestBars
		if testEnd > n {
			break
		}
		splits = append(splits, Split{
			TrainStart: start,
			TrainEnd:   trainEnd,
			TestStart:  testStart,
			TestEnd:    testEnd,
		})
		start = testEnd + cfg.EmbargoBars
	}

	if len(splits) == 0 {
		return nil, &errs.WindowError{
			HistoryLen: n,
			Detail: fmt.Sprintf("need at least %d bars for one split (train %d + purge %d + test %d)",
				cfg.TrainBars+cfg.PurgeBars+cfg.TestBars, cfg.TrainBars, cfg.PurgeBars, cfg.TestBars),
		}
	}
	return splits, nil
}
