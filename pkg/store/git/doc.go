// Package git drives the git command on a local working tree: clone,
// checkout, fetch, merge and hard reset, with merge options passed through
// to git merge.
//
// It requires the git command in $PATH, since the pure Go git implementations
// don't support the merge strategies and fast-forward modes we pass through.
package git
