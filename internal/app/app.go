// Package app provides the sample applications the SMR coordinator
// executes decided requests against: a minimal surface deliberately
// kept small, since exercising consensus end-to-end needs *an* app,
// not a production one (spec.md §8's scenarios fully determine what
// each sample app must answer).
package app

// Application executes one decided request and returns the response
// the SMR coordinator hands back to the originating client.
type Application interface {
	Execute(request []byte) (response []byte, err error)
}
