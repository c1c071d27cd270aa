package http3

import "github.com/hashicorp/go-multierror"

// multierrorWrap aggregates independent validation failures using
// hashicorp/go-multierror, so a caller sees every malformed field at once
// instead of stopping at the first one. The caller still receives a
// single error value; errors.Is/As walk each wrapped cause.
func multierrorWrap(errs []error) error {
	var merr *multierror.Error
	for _, e := range errs {
		merr = multierror.Append(merr, e)
	}
	return merr.ErrorOrNil()
}
