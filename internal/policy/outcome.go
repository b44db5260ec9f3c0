package policy

// Validation data values returned to the entry-point.
const (
	SigValidationSuccess uint64 = 0
	SigValidationFailed  uint64 = 1
)

// Outcome is the result of a validation-time check. Rejections are values,
// not errors: the enclosing transaction must still complete.
type Outcome struct {
	Reason error
}

// Approve returns an approved outcome.
func Approve() Outcome { return Outcome{} }

// Reject returns a rejected outcome carrying reason.
func Reject(reason error) Outcome { return Outcome{Reason: reason} }

// Approved reports whether every check passed.
func (o Outcome) Approved() bool { return o.Reason == nil }

// ValidationData maps the outcome onto the entry-point sentinel.
func (o Outcome) ValidationData() uint64 {
	if o.Approved() {
		return SigValidationSuccess
	}
	return SigValidationFailed
}

func (o Outcome) String() string {
	if o.Approved() {
		return "approved"
	}
	return "rejected: " + o.Reason.Error()
}
