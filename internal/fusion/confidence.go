package fusion

// ConfidenceFromIQR maps prediction uncertainty (interquartile range of
// the quantile forecast) to a confidence score in [0, 1]. Lower IQR
// means a more certain model. The mapping is a linear rescale between
// the configured min and max IQR, clipped to [0, 1].
//
// This mapping belongs to the decision core, not the predictor: the
// predictor reports quantiles, the core decides what certainty is worth.
func ConfidenceFromIQR(iqr, minIQR, maxIQR float64) float64 {
	if maxIQR <= minIQR {
		return 0.5
	}
	return clamp(1.0-(iqr-minIQR)/(maxIQR-minIQR), 0, 1)
}
