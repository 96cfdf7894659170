//go:build !(cgo && notmuch)

package main

import (
	"fmt"

	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
)

// openDatabase is the fallback used when this binary was built without
// cgo or without the notmuch build tag (e.g. "go build", with no libnotmuch
// headers available). It exists so the rest of the tree, including its own
// tests, builds cleanly without libnotmuch installed; a real sync requires
// rebuilding with `-tags notmuch` and CGO_ENABLED=1.
func openDatabase(configPath string) (notmuch.Database, error) {
	return nil, fmt.Errorf("notmuch-sync: built without libnotmuch support; rebuild with CGO_ENABLED=1 -tags notmuch")
}
