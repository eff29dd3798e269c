package evaluation

// PriceTable maps route types onto the premium evaluation price in CLP.
// Existing patients pay a reduced copay.
type PriceTable struct {
	ExistingPatient int
	Standard        int
}

// DefaultPrices are the clinic's published prices.
var DefaultPrices = PriceTable{ExistingPatient: 25000, Standard: 49000}

// AmountFor returns the price for the route type.
func (p PriceTable) AmountFor(route RouteType) int {
	if route == RouteExistingPatient {
		return p.ExistingPatient
	}
	return p.Standard
}

// DescriptionFor is the line item shown on the gateway checkout page.
func DescriptionFor(route RouteType) string {
	if route == RouteExistingPatient {
		return "Copago Evaluación Premium - Paciente Miró"
	}
	return "Evaluación Premium Miró"
}

// Valid reports whether the reduced copay is strictly below the standard price.
func (p PriceTable) Valid() bool {
	return p.ExistingPatient > 0 && p.Standard > p.ExistingPatient
}
