// README: Closed role set and the capability table every operation checks against.
package access

import (
	"strings"

	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by the payment webhook and the automatic matcher.
	RoleSystem Role = "system"
)

// ParseRole maps an identity-provider claim onto the closed role set.
// A missing claim means customer; unknown values are rejected.
func ParseRole(v string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(v))) {
	case "", RoleCustomer:
		return RoleCustomer, true
	case RoleDriver:
		return RoleDriver, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Invitable reports whether an invite link may grant r.
func (r Role) Invitable() bool {
	return r == RoleDriver || r == RoleAdmin
}

type Capability string

const (
	CapCheckout           Capability = "checkout"
	CapFinalizePayment    Capability = "payment.finalize"
	CapTripRead           Capability = "trip.read"
	CapTripReadAll        Capability = "trip.read_all"
	CapTripCancel         Capability = "trip.cancel"
	CapTripDrive          Capability = "trip.drive"
	CapTripAssign         Capability = "trip.assign"
	CapTripAutoAssign     Capability = "trip.auto_assign"
	CapTripOverride       Capability = "trip.override"
	CapDriverSelf         Capability = "driver.self"
	CapDriverReview       Capability = "driver.review"
	CapDriverAvailability Capability = "driver.availability"
	CapDriverReadAll      Capability = "driver.read_all"
	CapInviteManage       Capability = "invite.manage"
	CapInviteRedeem       Capability = "invite.redeem"
)

var capabilities = map[Role]map[Capability]bool{
	RoleCustomer: {
		CapCheckout:     true,
		CapTripRead:     true,
		CapTripCancel:   true,
		CapInviteRedeem: true,
	},
	RoleDriver: {
		CapTripRead:           true,
		CapTripCancel:         true,
		CapTripDrive:          true,
		CapDriverSelf:         true,
		CapDriverAvailability: true,
		CapInviteRedeem:       true,
	},
	RoleAdmin: {
		CapTripRead:           true,
		CapTripReadAll:        true,
		CapTripCancel:         true,
		CapTripAssign:         true,
		CapTripAutoAssign:     true,
		CapTripOverride:       true,
		CapDriverReview:       true,
		CapDriverAvailability: true,
		CapDriverReadAll:      true,
		CapInviteManage:       true,
	},
	RoleSystem: {
		CapFinalizePayment: true,
		CapTripRead:        true,
		CapTripAutoAssign:  true,
		CapTripReadAll:     true,
		CapDriverReadAll:   true,
	},
}

// Actor is the authenticated caller of an operation. DriverID is set for
// drivers once their partner profile exists.
type Actor struct {
	ID       types.ID
	Role     Role
	DriverID types.ID
}

var System = Actor{ID: "system", Role: RoleSystem}

func Can(a Actor, c Capability) bool {
	return capabilities[a.Role][c]
}

func Require(a Actor, c Capability) error {
	if a.ID == "" || !Can(a, c) {
		return apperr.ErrPermissionDenied
	}
	return nil
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// IsDriver reports whether a is the driver with the given profile id.
func (a Actor) IsDriver(driverID types.ID) bool {
	return a.Role == RoleDriver && a.DriverID != "" && a.DriverID == driverID
}
