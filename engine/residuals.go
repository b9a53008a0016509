package engine

// CalculateResiduals stores actual minus predicted measurements of
// (beat, step) in est.Residuals.
func CalculateResiduals(est *Estimations, data *Data, beat, step int) {
	actual := data.Measurement(beat, step)
	predicted := est.MeasurementAt(beat, step)
	r := est.Residuals.Data
	for j := range r {
		r[j] = actual[j] - predicted[j]
	}
}

// calculatePostUpdateResiduals recomputes the residuals against the
// corrected measurement prediction.
func calculatePostUpdateResiduals(est *Estimations, data *Data, beat, step int) {
	actual := data.Measurement(beat, step)
	predicted := est.MeasurementAt(beat, step)
	r := est.PostUpdateResiduals.Data
	for j := range r {
		r[j] = actual[j] - predicted[j]
	}
}
