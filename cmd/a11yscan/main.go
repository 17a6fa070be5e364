// Command a11yscan runs the accessibility scan service.
//
// The serve command exposes the HTTP API and a pool of workers that claim
// queued scans from the configured store (SQLite, Postgres or memory). Each
// scan checks robots.txt, then renders the page at every configured viewport in
// headless Chrome, storing a screenshot and running axe-core. Findings are
// normalized and summarized, a JSON report is written to the artifact store
// (local disk, GCS or memory) and a completion event is published when a
// Pub/Sub topic is set.
//
// Configuration comes from an optional --config file and A11Y_* environment
// variables, e.g. A11Y_DATABASE_DRIVER=postgres or A11Y_ROBOTS_ENFORCE=false.
// PORT overrides server.port for Cloud Run.
package main

import "github.com/JakeFAU/a11yscan/cmd"

func main() {
	cmd.Execute()
}
