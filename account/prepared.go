package account

import (
	"strings"
	"sync"

	"github.com/Splintermail/splintermail-client-sub000/errkind"
	"github.com/Splintermail/splintermail-client-sub000/errs"
)

// debugAsserts mirrors membuf.Pool.DebugAsserts: panic in development
// builds, return a typed error in release builds. The invariant being
// enforced is that every prepared statement's placeholder count must
// match its argument count, every time.
var debugAsserts bool

// SetDebugAsserts toggles panic-on-violation behavior; call once at
// process startup from a build tagged "debug", mirroring membuf.Pool's
// per-instance DebugAsserts field but scoped process-wide since prepared
// statements are shared across every GormDB caller.
func SetDebugAsserts(on bool) { debugAsserts = on }

var bindCounts sync.Map // query string -> int placeholder count

// prepared validates that query's "?" placeholder count matches len(args)
// before a GormDB method hands query to GORM's Where/Model/Update (which
// themselves forward it straight to the driver as a parameterized
// statement, the same bind slot the DB itself would reject a mismatched
// arg count against at prepare time). A mismatch on a later call with the
// same query text means a caller changed the argument list without
// changing the query, which is always a bug.
func prepared(query string, args ...any) error {
	want := strings.Count(query, "?")
	if prev, loaded := bindCounts.LoadOrStore(query, want); loaded {
		if prev.(int) != len(args) {
			msg := "prepared statement bind-count mismatch"
			if debugAsserts {
				panic(msg + ": " + query)
			}
			return errs.New(errkind.Internal, "%s: %s", msg, query)
		}
	}
	if want != len(args) {
		msg := "prepared statement bind-count mismatch against its own placeholders"
		if debugAsserts {
			panic(msg + ": " + query)
		}
		return errs.New(errkind.Internal, "%s: %s", msg, query)
	}
	return nil
}
