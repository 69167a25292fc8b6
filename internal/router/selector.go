// Package router selects the disbursement path for a payout request.
//
// Two on-chain routers exist: the open V0 router and the KYC-gated
// router used for node workers with verified compliance records. The
// KYC path carries higher limits, so selection must never default to it
// on missing data.
package router

// Type identifies a disbursement router.
type Type string

const (
	// V0 is the open, lower-trust router.
	V0 Type = "v0"
	// KYC is the compliance-gated router for verified node workers.
	KYC Type = "kyc"
)

// Select picks the router for a request. The KYC router is chosen only
// when the caller is KYC-verified, presents a KYC hash, and is bound to
// a node. Any missing input resolves to V0.
func Select(kycVerified, hasKYCHash bool, nodeID string) Type {
	if kycVerified && hasKYCHash && nodeID != "" {
		return KYC
	}
	return V0
}
