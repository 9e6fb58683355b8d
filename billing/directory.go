package billing

import "context"

// =============================================================================
// COLLABORATORS - Read-only views of data owned outside billing
// =============================================================================

// OccupancyDirectory yields resident/unit associations.
type OccupancyDirectory interface {
	// ListActiveOccupancies returns currently-active occupancies only.
	ListActiveOccupancies(ctx context.Context) ([]Occupancy, error)
}

// FeeScheduleRegistry yields fee types.
type FeeScheduleRegistry interface {
	// ListGenerationEligibleFeeTypes excludes fee types that are not
	// auto-generated (work orders, ad-hoc parking and similar).
	ListGenerationEligibleFeeTypes(ctx context.Context) ([]FeeType, error)
}

// UnitAttributeProvider yields physical attributes of a unit.
type UnitAttributeProvider interface {
	GetUnitAttributes(ctx context.Context, unitID UnitID) (UnitAttributes, error)
}

// CredentialVerifier checks a resident's payment credential (a PIN).
type CredentialVerifier interface {
	VerifyPaymentCredential(ctx context.Context, residentID ResidentID, credential string) (bool, error)
}

// Directory bundles the collaborators generation needs.
type Directory interface {
	OccupancyDirectory
	FeeScheduleRegistry
	UnitAttributeProvider
}

// DirectoryAdmin writes the directory records billing reads. In a full estate
// system these belong to other services; the stores here keep a local copy so
// that billing can run standalone.
type DirectoryAdmin interface {
	SaveFeeType(ctx context.Context, f FeeType) error
	SaveUnit(ctx context.Context, u UnitAttributes) error
	SaveOccupancy(ctx context.Context, o Occupancy) error
	SetCredentialHash(ctx context.Context, residentID ResidentID, hash []byte) error
}
