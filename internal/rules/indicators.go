package rules

import "math"

// SMA is the simple moving average of the last period samples. ok is false
// when the series is shorter than period.
func SMA(series []float64, period int) (float64, bool) {
	if period <= 0 || len(series) < period {
		return 0, false
	}
	window := series[len(series)-period:]
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum / float64(period), true
}

// RSI is the relative strength index over the last period steps, using the
// simple average of gains and losses. Needs period+1 samples.
func RSI(series []float64, period int) (float64, bool) {
	if period <= 0 || len(series) < period+1 {
		return 0, false
	}
	window := series[len(series)-period-1:]
	gains, losses := 0.0, 0.0
	for i := 1; i < len(window); i++ {
		delta := window[i] - window[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	if losses == 0 {
		return 100, true
	}
	rs := gains / losses
	return 100 - 100/(1+rs), true
}

// Volatility is the sample standard deviation of per-step percent returns
// over the last period steps. Needs period+1 samples, so at least two
// returns.
func Volatility(series []float64, period int) (float64, bool) {
	if period < 2 || len(series) < period+1 {
		return 0, false
	}
	window := series[len(series)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1] == 0 {
			return 0, false
		}
		returns = append(returns, (window[i]-window[i-1])/window[i-1]*100)
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance), true
}
