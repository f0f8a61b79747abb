// Package model defines domain entities shared by the resolver, tracker, and
// session layers.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/idwire/idwire/internal/identity"
)

// ValidationStatus is the directory's verdict on a handle.
type ValidationStatus int

const (
	ValidationUnverified ValidationStatus = iota
	ValidationPending
	ValidationVerified
	ValidationRejected
)

func (s ValidationStatus) String() string {
	switch s {
	case ValidationPending:
		return "pending"
	case ValidationVerified:
		return "verified"
	case ValidationRejected:
		return "rejected"
	default:
		return "unverified"
	}
}

// Handle pairs an identity with account-scoped metadata.
type Handle struct {
	URI         identity.Identity
	UserVisible bool
	Status      ValidationStatus
}

// AccountType distinguishes directory-backed accounts from local-only ones.
type AccountType int

const (
	AccountTypeUnknown AccountType = iota
	AccountTypePrimary
	AccountTypeSecondary
	AccountTypeTemporary
)

// Device is one physical or logical endpoint of an account.
type Device struct {
	ID             uuid.UUID
	Name           string
	Service        string
	Nearby         bool
	Connected      bool
	CloudConnected bool
	LocallyPresent bool

	// Identities this device is registered to receive for.
	Identities []identity.Identity
}

// Live reports whether the device is reachable over any link.
func (d Device) Live() bool {
	return d.Connected || d.CloudConnected || d.Nearby || d.LocallyPresent
}

// ReachableFor reports whether the device receives for the given identity.
func (d Device) ReachableFor(id identity.Identity) bool {
	for _, own := range d.Identities {
		if own.Equal(id) {
			return true
		}
	}
	return false
}

// Account is one registered identity the local process can send and receive
// as. The core reads account state to resolve destinations; mutation happens
// only through directory events.
type Account struct {
	ID           uuid.UUID
	LoginID      string
	ServiceName  string
	Type         AccountType
	Active       bool
	Enabled      bool
	UserDisabled bool

	Devices        []Device
	Handles        []Handle
	RegisteredURIs []identity.Identity
	PushToken      string
	DateRegistered time.Time
}

// CanSend reports whether the account is usable for outbound traffic.
func (a Account) CanSend() bool {
	return a.Active && a.Enabled && !a.UserDisabled
}

// AliasStrings returns the unprefixed form of every handle.
func (a Account) AliasStrings() []string {
	out := make([]string, 0, len(a.Handles))
	for _, h := range a.Handles {
		out = append(out, h.URI.Unprefixed())
	}
	return out
}

// ActiveAliasStrings returns unprefixed handles the directory has verified.
func (a Account) ActiveAliasStrings() []string {
	out := make([]string, 0, len(a.Handles))
	for _, h := range a.Handles {
		if h.Status == ValidationVerified {
			out = append(out, h.URI.Unprefixed())
		}
	}
	return out
}

// AccountIntent is a fire-and-forget request towards the external directory
// layer. The core never mutates accounts directly.
type AccountIntent int

const (
	IntentAuthenticate AccountIntent = iota
	IntentValidateProfile
	IntentRegister
	IntentUnregister
	IntentDeactivate
)

func (i AccountIntent) String() string {
	switch i {
	case IntentAuthenticate:
		return "authenticate"
	case IntentValidateProfile:
		return "validate-profile"
	case IntentRegister:
		return "register"
	case IntentUnregister:
		return "unregister"
	case IntentDeactivate:
		return "deactivate"
	default:
		return "unknown"
	}
}
