package bitmask

import "strings"

// ObsCondition is an observing condition token.
type ObsCondition string

const (
	Dark       ObsCondition = "DARK"
	Gray       ObsCondition = "GRAY"
	Bright     ObsCondition = "BRIGHT"
	Poor       ObsCondition = "POOR"
	Twilight12 ObsCondition = "TWILIGHT12"
	Twilight18 ObsCondition = "TWILIGHT18"
	Apocalypse ObsCondition = "APOCALYPSE"
)

// DefaultObsCon is every condition a normal survey target may be observed in.
const DefaultObsCon = "DARK|GRAY|BRIGHT|POOR|TWILIGHT12|TWILIGHT18"

// ObsConditionsMask is the reserved document key for the conditions mask.
const ObsConditionsMask = "obsconditions"

var knownConditions = map[ObsCondition]int{
	Dark:       0,
	Gray:       1,
	Bright:     2,
	Poor:       3,
	Twilight12: 4,
	Twilight18: 5,
	Apocalypse: 6,
}

// KnownCondition reports whether s names an observing condition.
func KnownCondition(s string) bool {
	_, ok := knownConditions[ObsCondition(strings.ToUpper(s))]
	return ok
}

// ParseConditions splits "DARK|GRAY" into condition tokens.
func ParseConditions(expr string) ([]ObsCondition, error) {
	var out []ObsCondition
	for _, n := range splitNames(expr) {
		c := ObsCondition(strings.ToUpper(n))
		if _, ok := knownConditions[c]; !ok {
			return nil, ConfigError{Mask: ObsConditionsMask, Msg: "unrecognized obsconditions token " + n}
		}
		out = append(out, c)
	}
	return out, nil
}

// defaultConditionsMask builds the conditions mask used when a document
// carries no obsconditions block.
func defaultConditionsMask() *Mask {
	m := newMask(ObsConditionsMask)
	order := []ObsCondition{Dark, Gray, Bright, Poor, Twilight12, Twilight18, Apocalypse}
	for _, c := range order {
		_ = m.add(BitDefinition{Name: string(c), Bit: knownConditions[c], Description: string(c)}, 0)
	}
	return m
}
