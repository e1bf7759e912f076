package discovery

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// suggestName proposes a market name from an accepted definition.
func suggestName(def domain.MetricDefinition) string {
	name := strings.Join(strings.Fields(def.Name), " ")
	unit := strings.TrimSpace(def.Unit)
	if unit != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(unit)) {
		name = fmt.Sprintf("%s (%s)", name, unit)
	}
	return name
}

// suggestDescription proposes a one-paragraph market description.
func suggestDescription(def domain.MetricDefinition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tracks %s", strings.TrimSpace(def.Name))
	if def.Unit != "" {
		fmt.Fprintf(&b, " in %s", def.Unit)
	}
	if def.Scope != "" {
		fmt.Fprintf(&b, " for %s", def.Scope)
	}
	if def.TimeBasis != "" {
		fmt.Fprintf(&b, ", reported %s", def.TimeBasis)
	}
	b.WriteString(".")
	if def.MeasurementMethod != "" {
		fmt.Fprintf(&b, " Measured by %s.", strings.TrimSuffix(def.MeasurementMethod, "."))
	}
	return b.String()
}

// parsePositive parses a decimal string such as "65,000.12" and reports
// whether it is a number greater than zero.
func parsePositive(s string) (string, bool) {
	r, clean, ok := domain.ParseDecimal(s)
	if !ok || r.Sign() <= 0 {
		return "", false
	}
	return clean, true
}

// isNumeric reports whether s holds a usable numeric value.
func isNumeric(s string) bool {
	_, _, ok := domain.ParseDecimal(s)
	return ok
}
