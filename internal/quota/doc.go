// Package quota resolves the daily invocation budget that applies to a
// principal and counts what it has already used.
//
// Policies cascade in the fixed order given by Cascade: a TOKEN policy for
// the principal's delegated credential wins over a USER policy for its
// account, which wins over a ROLE policy for its role. With no policy the
// limit is zero and every call is refused.
package quota
