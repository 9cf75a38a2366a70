// ABOUTME: Volume curves mapping the [0,1] volume scale onto decibels.
// ABOUTME: Curves must rise strictly in both axes; volume zero is always silence.
package audio

import "fmt"

// DefaultCurveMinGainDb anchors the built-in curve when a device profile
// does not supply one.
const DefaultCurveMinGainDb = -60.0

// CurvePoint is one knot of a volume curve.
type CurvePoint struct {
	Level  float64
	GainDb float64
}

// VolumeCurve interpolates gain between its knots. Immutable once built.
type VolumeCurve struct {
	points []CurvePoint
}

// NewVolumeCurve validates and builds a curve. The knots must span level 0
// through level 1 and be strictly increasing in both level and gain.
func NewVolumeCurve(points []CurvePoint) (*VolumeCurve, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("audio: volume curve needs at least 2 points, got %d", len(points))
	}
	if points[0].Level != 0 || points[len(points)-1].Level != 1 {
		return nil, fmt.Errorf("audio: volume curve must span level 0 to 1")
	}
	for i := 1; i < len(points); i++ {
		if points[i].Level <= points[i-1].Level {
			return nil, fmt.Errorf("audio: volume curve levels must rise strictly at point %d", i)
		}
		if points[i].GainDb <= points[i-1].GainDb {
			return nil, fmt.Errorf("audio: volume curve gains must rise strictly at point %d", i)
		}
	}
	c := &VolumeCurve{points: make([]CurvePoint, len(points))}
	copy(c.points, points)
	return c, nil
}

// DefaultVolumeCurve interpolates linearly from minGainDb at volume 0 up to
// unity at volume 1.
func DefaultVolumeCurve(minGainDb float64) *VolumeCurve {
	c, err := NewVolumeCurve([]CurvePoint{
		{Level: 0, GainDb: minGainDb},
		{Level: 1, GainDb: UnityGainDb},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// DbFromVolume maps a volume level to decibels. Volume zero is silence no
// matter where the curve starts.
func (c *VolumeCurve) DbFromVolume(volume float64) float64 {
	if volume <= 0 {
		return MutedGainDb
	}
	if volume >= 1 {
		return c.points[len(c.points)-1].GainDb
	}
	for i := 1; i < len(c.points); i++ {
		p0, p1 := c.points[i-1], c.points[i]
		if volume <= p1.Level {
			t := (volume - p0.Level) / (p1.Level - p0.Level)
			return p0.GainDb + t*(p1.GainDb-p0.GainDb)
		}
	}
	return c.points[len(c.points)-1].GainDb
}

// VolumeFromDb maps decibels back to the volume level that produces them.
func (c *VolumeCurve) VolumeFromDb(db float64) float64 {
	if db <= c.points[0].GainDb {
		return 0
	}
	if db >= c.points[len(c.points)-1].GainDb {
		return 1
	}
	for i := 1; i < len(c.points); i++ {
		p0, p1 := c.points[i-1], c.points[i]
		if db <= p1.GainDb {
			t := (db - p0.GainDb) / (p1.GainDb - p0.GainDb)
			return p0.Level + t*(p1.Level-p0.Level)
		}
	}
	return 1
}
