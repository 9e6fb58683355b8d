package billing

import "time"

// Settlement outcomes reported to Metrics.
const (
	OutcomePaid                = "paid"
	OutcomeInvalidCredential   = "invalid_credential"
	OutcomeNotPayable          = "not_payable"
	OutcomeInsufficientBalance = "insufficient_balance"
	OutcomeFrozen              = "frozen"
	OutcomeLockTimeout         = "lock_timeout"
	OutcomeError               = "error"
)

// Metrics receives engine observations. The metrics package provides a
// Prometheus implementation.
type Metrics interface {
	ObserveGeneration(report GenerationReport, took time.Duration)
	ObserveSettlement(outcome string, took time.Duration)
	ObserveRecharge(outcome string)
	ObserveSweep(overdue int)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObserveGeneration(GenerationReport, time.Duration) {}
func (NopMetrics) ObserveSettlement(string, time.Duration)            {}
func (NopMetrics) ObserveRecharge(string)                             {}
func (NopMetrics) ObserveSweep(int)                                   {}
