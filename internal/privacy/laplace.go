package privacy

import (
	"math"
	"math/rand"
)

// laplace draws one sample from the Laplace distribution with mean 0 and
// the given scale, via the inverse CDF.
func laplace(scale float64) float64 {
	u := rand.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
