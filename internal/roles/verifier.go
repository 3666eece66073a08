// Package roles builds the per-role verifiers (KMS, Gateway, App), maps
// their discipline results into provenance objects, and runs the whole
// verification chain under a configurable flag set.
package roles

import (
	"context"

	"github.com/aspect-build/trustgraph/internal/quote"
)

// Role names one of the three cooperating services.
type Role string

const (
	RoleKMS     Role = "kms"
	RoleGateway Role = "gateway"
	RoleApp     Role = "app"
)

// Verifier is the capability set every role must provide: evidence
// acquisition plus the three universal verification disciplines. Discipline
// methods return false for a failed check and error only for fetch, parse,
// or tooling problems.
type Verifier interface {
	Role() Role
	Quote(ctx context.Context) (quote.Data, error)
	Attestation(ctx context.Context) (*quote.VerifyResult, error)
	VerifyHardware(ctx context.Context) (bool, error)
	VerifyOperatingSystem(ctx context.Context) (bool, error)
	VerifySourceCode(ctx context.Context) (bool, error)
}

// OwnDomain is the extra capability of roles that terminate TLS on their
// own public domain. Only the Gateway implements it today.
type OwnDomain interface {
	Domain(ctx context.Context) (string, error)
	VerifyTeeControlledKey(ctx context.Context) (bool, error)
	VerifyCertificateKey(ctx context.Context) (bool, error)
	VerifyDnsCAA(ctx context.Context) (bool, error)
	VerifyCTLog(ctx context.Context) (bool, error)
}
