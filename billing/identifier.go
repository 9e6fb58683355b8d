package billing

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// =============================================================================
// IDENTIFIER ALLOCATION
// =============================================================================

// IDAllocator produces charge identifiers. Identifiers only need to avoid
// accidental collisions; business uniqueness is the natural key's job.
type IDAllocator interface {
	Allocate(residentID ResidentID, unitID UnitID, feeTypeCode string, period Period) ChargeID
}

// SequenceAllocator builds human-traceable ids:
//
//	<period>-<fee code>-<resident>-<unit>-<millis base36><seq base36>
//
// The process-wide sequence keeps ids distinct when two triples are
// allocated within the same millisecond.
type SequenceAllocator struct {
	Clock Clock
	seq   atomic.Uint64
}

// NewSequenceAllocator returns an allocator reading time from clock.
func NewSequenceAllocator(clock Clock) *SequenceAllocator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &SequenceAllocator{Clock: clock}
}

func (a *SequenceAllocator) Allocate(residentID ResidentID, unitID UnitID, feeTypeCode string, period Period) ChargeID {
	n := a.seq.Add(1)
	millis := a.Clock.Now().UnixMilli()
	return ChargeID(fmt.Sprintf("%s-%s-%s-%s-%s%s",
		period.Compact(),
		idPart(feeTypeCode),
		idPart(string(residentID)),
		idPart(string(unitID)),
		strconv.FormatInt(millis, 36),
		leftPad(strconv.FormatUint(n, 36), 4),
	))
}

// TransactionNoAllocator produces globally unique ledger transaction numbers.
type TransactionNoAllocator interface {
	NextTransactionNo() TransactionNo
}

// UUIDTransactionNos allocates "TXN" + a random UUID without dashes.
type UUIDTransactionNos struct{}

func (UUIDTransactionNos) NextTransactionNo() TransactionNo {
	return TransactionNo("TXN" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func idPart(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "X"
	}
	return s
}

func leftPad(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
