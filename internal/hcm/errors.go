package hcm

import "errors"

// ErrSessionExpired tags a download failure caused by the authenticated
// session timing out. Adapters wrap it at the point of the download call so
// the worker can dispatch on errors.Is without re-querying driver state.
// Session expiry is never counted against the retry budget or the failed
// tally; the record is re-queued after recovery.
var ErrSessionExpired = errors.New("authenticated session expired")

// ErrRowMismatch tags a locator-inconsistency failure: the row found at the
// remembered (listing_page, row_index) no longer matches the record's
// identifying fields. It is an ordinary retryable failure.
var ErrRowMismatch = errors.New("listing row does not match record")
