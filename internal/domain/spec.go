package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Orientation selects the socket template.
type Orientation string

const (
	OrientationVertical   Orientation = "vertical"
	OrientationHorizontal Orientation = "horizontal"
)

// Unit is a measurement unit accepted at intake.
type Unit string

const (
	UnitMillimeter Unit = "mm"
	UnitInch       Unit = "in"
)

const mmPerInch = 25.4

// Measurement is a unit-tagged length.
type Measurement struct {
	Value float64 `json:"value" validate:"gt=0"`
	Unit  Unit    `json:"unit" validate:"oneof=mm in"`
}

// Millimeters converts m to millimetres.
func (m Measurement) Millimeters() (float64, error) {
	switch m.Unit {
	case UnitMillimeter:
		return m.Value, nil
	case UnitInch:
		return m.Value * mmPerInch, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", m.Unit)
	}
}

var labelPositions = map[Orientation]map[string]bool{
	OrientationVertical: {
		"topLeft": true, "topMid": true, "topRight": true,
		"bottomLeft": true, "bottomMid": true, "bottomRight": true,
	},
	OrientationHorizontal: {"top": true, "bottom": true},
}

// DefaultLabelPosition is used when a request does not pick one.
func DefaultLabelPosition(o Orientation) string {
	if o == OrientationHorizontal {
		return "top"
	}
	return "topMid"
}

// SocketRequest is a geometry request as submitted by a client. Field rules
// live in the validate tags; the label position is checked against the
// orientation at struct level.
type SocketRequest struct {
	Orientation        Orientation  `json:"orientation" validate:"oneof=vertical horizontal"`
	OuterDiameter      Measurement  `json:"outerDiameter"`
	Length             *Measurement `json:"length,omitempty" validate:"required_if=Orientation horizontal,excluded_if=Orientation vertical"`
	IsMetric           bool         `json:"isMetric"`
	NominalMetric      int          `json:"nominalMetric,omitempty" validate:"required_if=IsMetric true,excluded_if=IsMetric false,min=0,max=99"`
	NominalNumerator   int          `json:"nominalNumerator,omitempty" validate:"required_if=IsMetric false,excluded_if=IsMetric true,min=0,max=99"`
	NominalDenominator int          `json:"nominalDenominator,omitempty" validate:"required_if=IsMetric false,excluded_if=IsMetric true,min=0,max=99"`
	LabelPosition      string       `json:"labelPosition,omitempty"`
}

// GeometrySpec is a normalized request: every length is in millimetres and
// every template parameter has an explicit value.
type GeometrySpec struct {
	Orientation        Orientation `json:"orientation"`
	OuterDiameterMM    float64     `json:"outerDiameterMm"`
	LengthMM           float64     `json:"lengthMm,omitempty"`
	IsMetric           bool        `json:"isMetric"`
	NominalMetric      int         `json:"nominalMetric,omitempty"`
	NominalNumerator   int         `json:"nominalNumerator,omitempty"`
	NominalDenominator int         `json:"nominalDenominator,omitempty"`
	LabelPosition      string      `json:"labelPosition"`
}

// Label renders the nominal size for display, e.g. `10mm` or `3/8"`.
func (s GeometrySpec) Label() string {
	if s.IsMetric {
		return strconv.Itoa(s.NominalMetric) + "mm"
	}
	return fmt.Sprintf("%d/%d\"", s.NominalNumerator, s.NominalDenominator)
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// FileStem is a filesystem-safe name for the spec's mesh.
func (s GeometrySpec) FileStem() string {
	return fmt.Sprintf("socket-%s-%s", s.Orientation, nonAlnum.ReplaceAllString(s.Label(), "_"))
}

// Normalize validates r and converts it into a GeometrySpec.
func (r SocketRequest) Normalize() (GeometrySpec, error) {
	if err := validateRequest(r); err != nil {
		return GeometrySpec{}, err
	}

	spec := GeometrySpec{
		Orientation:        r.Orientation,
		IsMetric:           r.IsMetric,
		NominalMetric:      r.NominalMetric,
		NominalNumerator:   r.NominalNumerator,
		NominalDenominator: r.NominalDenominator,
		LabelPosition:      r.LabelPosition,
	}
	od, err := r.OuterDiameter.Millimeters()
	if err != nil {
		return GeometrySpec{}, &InvalidSpecError{Field: "outerDiameter", Reason: err.Error()}
	}
	spec.OuterDiameterMM = od
	if r.Length != nil {
		l, err := r.Length.Millimeters()
		if err != nil {
			return GeometrySpec{}, &InvalidSpecError{Field: "length", Reason: err.Error()}
		}
		spec.LengthMM = l
	}
	if spec.LabelPosition == "" {
		spec.LabelPosition = DefaultLabelPosition(r.Orientation)
	}
	return spec, nil
}

// MaxSpecsPerJob caps the size of a batch.
const MaxSpecsPerJob = 20

// NewPayload normalizes every request into a Payload.
func NewPayload(reqs []SocketRequest) (Payload, error) {
	if len(reqs) == 0 {
		return Payload{}, &InvalidSpecError{Field: "specs", Reason: "at least one spec is required"}
	}
	if len(reqs) > MaxSpecsPerJob {
		return Payload{}, &InvalidSpecError{
			Field:  "specs",
			Reason: fmt.Sprintf("at most %d specs per job, got %d", MaxSpecsPerJob, len(reqs)),
		}
	}
	p := Payload{Specs: make([]GeometrySpec, 0, len(reqs))}
	for i, r := range reqs {
		spec, err := r.Normalize()
		if err != nil {
			var inv *InvalidSpecError
			if errors.As(err, &inv) {
				inv.Index = i
			}
			return Payload{}, err
		}
		p.Specs = append(p.Specs, spec)
	}
	return p, nil
}
