// Package control implements the morbidostat decision policy.
//
// [Evaluate] is a pure function over a culture [State] and its [Params].
// Rules are checked in strict priority order and the first match wins:
//
//   - debounce: too soon after the last dilution, or no OD since it
//   - initialization: no dose history and dose_initialization >= 0
//   - time trigger: delay_dilution_max exceeded
//   - OD trigger: OD at or above dilution_threshold
//
// A triggered dilution then picks its target dose: raise stress when
// the culture grows fast enough and enough generations have passed since
// the last dose change, rescue to the drug-free stock when it is dying,
// otherwise keep the current dose. An unknown growth rate disables both
// stress branches.
//
// Every branch records a [Reason] with a plain-text explanation in the
// decision status.
package control
