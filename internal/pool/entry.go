package pool

import (
	"fmt"
	"net/url"
	"time"

	"github.com/webscrape/fetchcore/internal/proxystore"
)

// Entry is an in-memory snapshot of a Proxy row plus its materialized
// connect string. Entries are value-copies: the Store row is the source of
// truth, and mutation flows only Pool -> Store via batched writeback.
type Entry struct {
	ID            int
	Address       string
	Port          int
	Scheme        proxystore.Scheme
	ConnectString string
	LastUsed      *time.Time
}

// NewEntry snapshots a Proxy row into a PoolEntry, percent-encoding any
// credentials into the connect string.
func NewEntry(p proxystore.Proxy) Entry {
	return Entry{
		ID:            p.ID,
		Address:       p.Address,
		Port:          p.Port,
		Scheme:        p.Scheme,
		ConnectString: BuildConnectString(p.Scheme, p.Address, p.Port, p.Username, p.Password),
	}
}

// BuildConnectString renders scheme://[user[:pass]@]host:port with
// credentials percent-encoded per RFC 3986 userinfo rules. Percent-encoding
// here is a bijection over printable ASCII plus the reserved set (':', '@',
// '/', '?', '#', '%', space) — url.UserPassword followed by String()
// round-trips through url.Parse's own decoder.
func BuildConnectString(scheme proxystore.Scheme, host string, port int, username, password *string) string {
	hostport := fmt.Sprintf("%s:%d", host, port)

	if username == nil || *username == "" {
		return fmt.Sprintf("%s://%s", scheme, hostport)
	}

	var userinfo *url.Userinfo
	if password != nil {
		userinfo = url.UserPassword(*username, *password)
	} else {
		userinfo = url.User(*username)
	}

	u := &url.URL{
		Scheme: string(scheme),
		User:   userinfo,
		Host:   hostport,
	}
	return u.String()
}
