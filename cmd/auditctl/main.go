// Command auditctl inspects and maintains a persisted audit trail: it verifies
// integrity, prints statistics, lists events and runs retention sweeps
// against the same stores the audit package writes to.
package main

import (
	"os"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
