// Package state declares shared pieces of the document ledger contract.
// Backing implementations live in the memory, sqlite and postgres
// subpackages, all satisfying hcm.StateStore.
package state

import "errors"

// ErrNotFound is returned by status mutations targeting an unregistered id.
var ErrNotFound = errors.New("document not found")

// RunStateLastPage is the run_state key holding the resume point: the most
// recent listing page the scrape phase reached.
const RunStateLastPage = "last_page"
