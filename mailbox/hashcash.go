package mailbox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/polistern/pboted/pkg/errors"
)

// ErrDeleteHashMismatch is returned when a decrypted mail's delete
// authorization does not hash to the published delete hash.
var ErrDeleteHashMismatch = errors.New("mailbox: delete hash mismatch")

// newHashcash mints a version-1 hashcash token for store requests.
// Receiving nodes do not verify the proof-of-work yet, so no counter
// search happens; the format is kept so tokens stay forward-compatible
// once validation lands.
func newHashcash() []byte {
	var salt [8]byte
	rand.Read(salt[:])

	token := fmt.Sprintf("1:20:%s:bote::%s:0",
		time.Now().UTC().Format("060102"),
		base64.StdEncoding.EncodeToString(salt[:]))
	return []byte(token)
}
