// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package wire

import "time"

// Quality is one of the enumerated video tiers. Ordering is ascending so
// tiers compare directly.
type Quality int

const (
	Quality144p Quality = iota
	Quality240p
	Quality360p
	Quality480p
)

// QualityProfile is the resolution, frame rate and JPEG quality of a tier.
type QualityProfile struct {
	Width       int
	Height      int
	FPS         int
	JPEGQuality int
}

var qualityProfiles = [...]QualityProfile{
	Quality144p: {Width: 256, Height: 144, FPS: 5, JPEGQuality: 40},
	Quality240p: {Width: 426, Height: 240, FPS: 10, JPEGQuality: 50},
	Quality360p: {Width: 640, Height: 360, FPS: 15, JPEGQuality: 60},
	Quality480p: {Width: 854, Height: 480, FPS: 20, JPEGQuality: 70},
}

var qualityNames = [...]string{
	Quality144p: "144p",
	Quality240p: "240p",
	Quality360p: "360p",
	Quality480p: "480p",
}

func (q Quality) valid() bool { return q >= Quality144p && q <= Quality480p }

func (q Quality) Profile() QualityProfile {
	if !q.valid() {
		return qualityProfiles[Quality360p]
	}
	return qualityProfiles[q]
}

func (q Quality) String() string {
	if !q.valid() {
		return "invalid"
	}
	return qualityNames[q]
}

// FrameInterval is the send pacing interval for the tier.
func (q Quality) FrameInterval() time.Duration {
	return time.Second / time.Duration(q.Profile().FPS)
}

// QualityForNetwork maps observed loss (percent) and RTT (milliseconds) to
// a target tier. Boundaries are strict: loss of exactly 2% still allows
// 480p, exactly 10% allows 360p, exactly 15% allows 240p.
func QualityForNetwork(lossPct, rttMs float64) Quality {
	switch {
	case lossPct > 15:
		return Quality144p
	case lossPct > 10:
		return Quality240p
	case lossPct > 2:
		return Quality360p
	case rttMs > 400:
		return Quality360p
	default:
		return Quality480p
	}
}
