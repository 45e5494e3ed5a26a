package solver

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shapeopt-dev/shapeopt-core/pkg/models"
)

// Coefficient families recognized in the solver's loads report.
var (
	bodyFrameCoeffs = map[string]bool{"C_A": true, "C_Y": true, "C_N": true}
	windFrameCoeffs = map[string]bool{"C_D": true, "C_S": true, "C_L": true}
	momentCoeffs    = map[string]bool{"C_l": true, "C_m": true, "C_n": true, "C_M": true}
)

// LoadsFilter selects which coefficient families to extract.
type LoadsFilter struct {
	BodyFrame bool
	WindFrame bool
	Moments   bool
}

// AllLoads selects every coefficient family.
func AllLoads() LoadsFilter {
	return LoadsFilter{BodyFrame: true, WindFrame: true, Moments: true}
}

// ParseLoadsFile reads the solver's line-oriented `tag: value` loads report.
// Each line carries a component tag and a parenthesized coefficient code;
// recognized coefficients are keyed as "<coefficient>-<tag>".
func ParseLoadsFile(path string, filter LoadsFilter) (models.LoadCoefficients, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open loads report: %w", err)
	}
	defer f.Close()

	loads := make(models.LoadCoefficients)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.Join(strings.Fields(line), " ")

		text, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		number, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}

		words := strings.Fields(text)
		if len(words) == 0 {
			continue
		}
		tag := words[0]
		coeff := words[len(words)-1]
		if len(coeff) < 4 {
			continue
		}
		coeff = coeff[1:4] // strip "(C_D)" to "C_D"

		include := (filter.BodyFrame && bodyFrameCoeffs[coeff]) ||
			(filter.WindFrame && windFrameCoeffs[coeff]) ||
			(filter.Moments && momentCoeffs[coeff])
		if include {
			loads[fmt.Sprintf("%s-%s", coeff, tag)] = number
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read loads report: %w", err)
	}
	return loads, nil
}
