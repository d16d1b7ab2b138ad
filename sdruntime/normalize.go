package sdruntime

import "math"

// BaseGuidanceScale is the classifier-free guidance applied at strength 1.0.
const BaseGuidanceScale = 7.5

// Normalize converts the user-facing prompt strength into a guidance coefficient.
// Strength must be a positive finite number.
func Normalize(strength float64) (float64, error) {
	if math.IsNaN(strength) || math.IsInf(strength, 0) {
		return 0, invalidParam("prompt strength %v is not a finite number", strength)
	}
	if strength <= 0 {
		return 0, invalidParam("prompt strength %v must be positive", strength)
	}
	return BaseGuidanceScale * strength, nil
}
