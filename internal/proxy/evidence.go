package proxy

import (
	"encoding/json"
	"fmt"
)

// Evidence carries the measurements behind one violation. The set of
// implementations is closed; each kind has exactly one.
type Evidence interface {
	Kind() Kind
	isEvidence()
}

type GeofenceEvidence struct {
	DistanceMeters float64 `json:"distanceMeters"`
	RadiusMeters   float64 `json:"radiusMeters"`
}

type AccuracyEvidence struct {
	AccuracyMeters float64 `json:"accuracyMeters"`
}

type SharedDeviceEvidence struct {
	// DistinctIdentities includes the student being verified.
	DistinctIdentities int `json:"distinctIdentities"`
}

type SharedIdentityEvidence struct {
	// DistinctDevices includes the device being verified.
	DistinctDevices int `json:"distinctDevices"`
}

type TravelEvidence struct {
	DistanceMeters float64 `json:"distanceMeters"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	SpeedKmh       float64 `json:"speedKmh"`
}

type ExternalRiskEvidence struct {
	Probability float64 `json:"probability"`
}

func (GeofenceEvidence) Kind() Kind       { return KindOutsideGeofence }
func (AccuracyEvidence) Kind() Kind       { return KindLowAccuracy }
func (SharedDeviceEvidence) Kind() Kind   { return KindSharedDevice }
func (SharedIdentityEvidence) Kind() Kind { return KindSharedIdentity }
func (TravelEvidence) Kind() Kind         { return KindImpossibleTravel }
func (ExternalRiskEvidence) Kind() Kind   { return KindExternalRisk }

func (GeofenceEvidence) isEvidence()       {}
func (AccuracyEvidence) isEvidence()       {}
func (SharedDeviceEvidence) isEvidence()   {}
func (SharedIdentityEvidence) isEvidence() {}
func (TravelEvidence) isEvidence()         {}
func (ExternalRiskEvidence) isEvidence()   {}

// DecodeEvidence parses raw JSON into the evidence type for kind.
// Empty input yields nil evidence.
func DecodeEvidence(kind Kind, raw []byte) (Evidence, error) {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return nil, nil
	}
	var err error
	switch kind {
	case KindOutsideGeofence:
		var ev GeofenceEvidence
		err = json.Unmarshal(raw, &ev)
		return ev, err
	case KindLowAccuracy:
		var ev AccuracyEvidence
		err = json.Unmarshal(raw, &ev)
		return ev, err
	case KindSharedDevice:
		var ev SharedDeviceEvidence
		err = json.Unmarshal(raw, &ev)
		return ev, err
	case KindSharedIdentity:
		var ev SharedIdentityEvidence
		err = json.Unmarshal(raw, &ev)
		return ev, err
	case KindImpossibleTravel:
		var ev TravelEvidence
		err = json.Unmarshal(raw, &ev)
		return ev, err
	case KindExternalRisk:
		var ev ExternalRiskEvidence
		err = json.Unmarshal(raw, &ev)
		return ev, err
	default:
		return nil, fmt.Errorf("evidence for unknown kind %q", kind)
	}
}
