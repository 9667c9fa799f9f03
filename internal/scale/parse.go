package scale

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// ParseWeightLine extracts the first number from an indicator line such as
// "ST,GS,+  1234,5 kg". Decimal commas are accepted.
func ParseWeightLine(line string) (float64, bool) {
	norm := strings.ReplaceAll(strings.TrimSpace(line), ",", ".")
	match := numberRe.FindString(norm)
	if match == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}
