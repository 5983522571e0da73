package animqr

import (
	"fmt"
	"strings"
)

// QRDensity is the configured amount of data per displayed QR code.
type QRDensity int

const (
	DensityLow QRDensity = iota
	DensityMedium
	DensityHigh
)

// FrameCapacity is the number of message bytes carried by one frame.
func (d QRDensity) FrameCapacity() int {
	switch d {
	case DensityLow:
		return 50
	case DensityHigh:
		return 120
	default:
		return 70
	}
}

func (d QRDensity) String() string {
	switch d {
	case DensityLow:
		return "low"
	case DensityMedium:
		return "medium"
	case DensityHigh:
		return "high"
	default:
		return "unknown"
	}
}

func ParseQRDensity(s string) (QRDensity, error) {
	switch strings.ToLower(s) {
	case "low":
		return DensityLow, nil
	case "medium", "":
		return DensityMedium, nil
	case "high":
		return DensityHigh, nil
	default:
		return 0, fmt.Errorf("unknown qr density %q", s)
	}
}
