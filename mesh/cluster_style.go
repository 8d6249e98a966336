package mesh

import "math"

// GroupStyle is the visual density feedback for one cluster group.
type GroupStyle struct {
	Radius float64 `json:"radius"`
	Color  string  `json:"color"`
}

// DynamicStyle sizes and colors a group marker by its member count. The
// radius grows logarithmically from baseRadius (r = r0 + 5*log10(count)); the
// color is taken from the first breakpoint whose threshold is at least count,
// or from the last breakpoint when count overflows every threshold.
func DynamicStyle(count int, breakpoints []Breakpoint, baseRadius float64) GroupStyle {
	n := math.Max(float64(count), 1)
	style := GroupStyle{Radius: baseRadius + 5*math.Log10(n)}

	if len(breakpoints) == 0 {
		return style
	}
	style.Color = breakpoints[len(breakpoints)-1].Color
	for _, bp := range breakpoints {
		if bp.Threshold >= count {
			style.Color = bp.Color
			break
		}
	}
	return style
}
