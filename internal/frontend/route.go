package frontend

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tilerenderd/internal/tile"
)

// request is a parsed tile HTTP request path: [{options}/]z/x/y.ext[/action].
type request struct {
	Options string
	Coords  tile.Coords
	Ext     string
	Action  string // "", "status", or "dirty"
}

var tilePathRE = regexp.MustCompile(`^(?:([^/]+)/)?(\d+)/(\d+)/(\d+)\.([A-Za-z0-9]+)(?:/(status|dirty))?$`)

// parseRequest parses the portion of the URL path remaining after a
// layer's BaseURI prefix has been stripped. A syntactic mismatch returns
// ok=false, which the caller turns into a 404 with a client penalty.
func parseRequest(rest string, parameterize bool) (request, bool) {
	m := tilePathRE.FindStringSubmatch(rest)
	if m == nil {
		return request{}, false
	}
	options := m[1]
	if options != "" && !parameterize {
		return request{}, false
	}

	z, err1 := strconv.ParseUint(m[2], 10, 32)
	x, err2 := strconv.ParseUint(m[3], 10, 32)
	y, err3 := strconv.ParseUint(m[4], 10, 32)
	if err1 != nil || err2 != nil || err3 != nil {
		return request{}, false
	}

	return request{
		Options: options,
		Coords:  tile.New(uint32(z), uint32(x), uint32(y)),
		Ext:     strings.ToLower(m[5]),
		Action:  m[6],
	}, true
}
