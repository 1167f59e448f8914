package bitcomm

import (
	"github.com/google/uuid"
	"github.com/gordian-engine/bitcomm/bcert"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bquic"
)

var remoteAddrNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bitcomm:remote-addr"))

// ClientIDFor derives the client ID for an established connection.
//
// A client presenting a certificate is identified by its public key,
// so it keeps its ID across reconnects and address changes.
// Anonymous clients are identified by their remote address.
func ClientIDFor(conn bquic.Conn) bpool.ClientID {
	if fp, err := bcert.PeerFingerprint(conn.TLSConnectionState()); err == nil {
		var id bpool.ClientID
		copy(id[:], fp[:])
		return id
	}

	return bpool.ClientID(uuid.NewSHA1(remoteAddrNamespace, []byte(conn.RemoteAddr().String())))
}
