package exchange

import "errors"

// Failure taxonomy surfaced by the exchange service. Logical
// authorization failures are flattened to a generic denial at the
// transport boundary; the precise internal reason is logged and audited.
var (
	ErrUnauthenticated = errors.New("exchange: unauthenticated")
	ErrUnauthorized    = errors.New("exchange: unauthorized")
	ErrNotFound        = errors.New("exchange: not found")
	ErrInvalidArgument = errors.New("exchange: invalid argument")
	ErrUnavailable     = errors.New("exchange: dependency unavailable")
)

// Internal reason codes. Never returned to callers verbatim.
const (
	reasonTokenInvalid          = "token_invalid"
	reasonWrongVariant          = "wrong_token_variant"
	reasonMembershipAbsent      = "membership_absent"
	reasonServiceUnknown        = "service_unknown"
	reasonServiceTenantMismatch = "service/tenant mismatch"
	reasonTenantInactive        = "tenant_inactive"
	reasonRefreshInvalid        = "refresh_invalid"
	reasonRefreshReuse          = "refresh_reuse"
	reasonSecretMismatch        = "client_secret_mismatch"
	reasonRevoked               = "revoked"
	reasonRevocationUnavailable = "revocation_store_unavailable"
)
