//go:build cgo && notmuch

package main

import "github.com/larskotthoff/notmuch-sync/internal/notmuch"

// openDatabase opens the local notmuch database via libnotmuch. configPath
// is NOTMUCH_CONFIG's value (possibly empty, meaning "use notmuch's own
// default config search path").
func openDatabase(configPath string) (notmuch.Database, error) {
	return notmuch.Open(configPath, "")
}
