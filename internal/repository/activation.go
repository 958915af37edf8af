package repository

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/dlnk/licensecore/internal/errs"
	"github.com/dlnk/licensecore/internal/hwid"
)

// ActivationRequest asks the store to admit one hardware ID on a license.
type ActivationRequest struct {
	LicenseID  uuid.UUID
	HardwareID string
	IP         string
	Now        time.Time
	// AllowBind permits binding a single-device license to HardwareID.
	// Legacy short IDs and unreliable fingerprints never bind.
	AllowBind bool
}

// ActivationState is what a backend reads under the license lock.
type ActivationState struct {
	MaxDevices int
	BoundHWID  string
	Count      int
	Exists     bool // an activation row already exists for the requested ID
}

// ActivationDecision tells a backend what to write.
type ActivationDecision struct {
	Insert bool // insert a new activation row
	Touch  bool // refresh last_seen_at/last_ip of the existing row
	Bind   bool // set bound_hardware_id
	// TouchID names the row Touch refreshes when it is not the requested ID,
	// as for a device still recorded under its legacy short binding.
	TouchID string
}

// Target returns the hardware ID of the activation row the decision writes.
func (d ActivationDecision) Target(req ActivationRequest) string {
	if d.TouchID != "" {
		return d.TouchID
	}
	return req.HardwareID
}

// DecideActivation is the device-cap rule shared by every backend.
// It must run while the license row is locked so counting and insertion serialize.
func DecideActivation(st ActivationState, req ActivationRequest) (ActivationDecision, error) {
	if st.BoundHWID != "" {
		if hwid.Matches(st.BoundHWID, req.HardwareID) {
			switch {
			case st.Exists:
				return ActivationDecision{Touch: true}, nil
			case st.Count < st.MaxDevices:
				return ActivationDecision{Insert: true}, nil
			default:
				return ActivationDecision{Touch: true, TouchID: st.BoundHWID}, nil
			}
		}
		if st.MaxDevices <= 1 {
			return ActivationDecision{}, errs.ErrHardwareMismatch
		}
	}

	var d ActivationDecision
	switch {
	case st.Exists:
		d.Touch = true
	case st.Count < st.MaxDevices:
		d.Insert = true
	default:
		return ActivationDecision{}, &errs.DeviceCapError{N: st.Count, Max: st.MaxDevices}
	}

	if st.BoundHWID == "" && st.MaxDevices == 1 {
		if !req.AllowBind {
			return ActivationDecision{}, errs.ErrHardwareMismatch
		}
		d.Bind = true
	}
	return d, nil
}
