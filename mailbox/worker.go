package mailbox

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/kademlia"
	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/wire"
)

// Loop periods. Checking hammers the DHT with lookups, so rounds are
// spaced well apart.
const (
	DefaultCheckInterval = 5 * time.Minute
	DefaultSendInterval  = 5 * time.Minute
)

// retrieveConcurrency bounds parallel email-packet lookups per check
// round.
const retrieveConcurrency = kademlia.DefaultAlpha

// DHTClient is the slice of the DHT engine the mailbox drives.
type DHTClient interface {
	FindAll(ctx context.Context, key utils.Hash, dataType byte) []kademlia.Response
	Store(ctx context.Context, key utils.Hash, request *wire.StoreRequest) []string
	DeleteEmail(ctx context.Context, key, deleteAuth utils.Hash) []kademlia.Response
	DeleteIndexEntry(ctx context.Context, destHash, key, deleteAuth utils.Hash) []kademlia.Response
	Safe(ctx context.Context, data []byte) bool
	GetIndex(ctx context.Context, key utils.Hash) []byte
	GetEmail(ctx context.Context, key utils.Hash) []byte
}

// Cryptor is the crypto-library boundary for one local identity.
type Cryptor interface {
	Encrypt(plain []byte, recipient identity.Identity) ([]byte, error)
	Decrypt(cipher []byte) ([]byte, error)
}

// LocalIdentity is one mailbox identity this node checks mail for.
type LocalIdentity struct {
	Name    string
	Public  identity.Identity
	Cryptor Cryptor
}

// AddressBook resolves display names to full addresses when
// canonicalizing outbound headers.
type AddressBook interface {
	AddressForName(name string) string
	AddressForAlias(alias string) string
}

// Maildirs is the box directory layout under the data directory.
type Maildirs struct {
	Inbox  string
	Outbox string
	Sent   string
}

// Worker runs one check loop per identity and a single send loop.
type Worker struct {
	dht  DHTClient
	book AddressBook
	dirs Maildirs

	checkInterval time.Duration
	sendInterval  time.Duration

	mu         sync.Mutex
	identities []*LocalIdentity

	// processed remembers recently handled email packet keys so a
	// delete that has not propagated yet does not resurface the mail.
	processed *cache.Cache

	retrieveSem *semaphore.Weighted
}

// NewWorker wires the mailbox workflow.
func NewWorker(dht DHTClient, book AddressBook, dirs Maildirs, identities []*LocalIdentity) *Worker {
	return &Worker{
		dht:           dht,
		book:          book,
		dirs:          dirs,
		checkInterval: DefaultCheckInterval,
		sendInterval:  DefaultSendInterval,
		identities:    identities,
		processed:     cache.New(24*time.Hour, time.Hour),
		retrieveSem:   semaphore.NewWeighted(retrieveConcurrency),
	}
}

// SetIntervals overrides the loop periods; zero keeps a default.
func (w *Worker) SetIntervals(check, send time.Duration) {
	if check > 0 {
		w.checkInterval = check
	}
	if send > 0 {
		w.sendInterval = send
	}
}

// Identities returns the identities the worker checks mail for.
func (w *Worker) Identities() []*LocalIdentity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*LocalIdentity(nil), w.identities...)
}

// Start spawns the loops and returns. They exit when ctx is canceled;
// wg tracks them for the supervisor's join.
func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup) {
	ids := w.Identities()
	if len(ids) == 0 {
		logtrace.Error(ctx, "Have no identities for start", logtrace.Fields{
			logtrace.FieldModule: "mailbox",
		})
	}

	for _, id := range ids {
		wg.Add(1)
		go func(id *LocalIdentity) {
			defer wg.Done()
			w.checkTask(ctx, id)
		}(id)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sendTask(ctx)
	}()
}

func (w *Worker) checkTask(ctx context.Context, id *LocalIdentity) {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		found := w.checkRound(ctx, id)
		logtrace.Info(ctx, "Check round complete", logtrace.Fields{
			logtrace.FieldModule:   "mailbox",
			logtrace.FieldIdentity: id.Name,
			logtrace.FieldCount:    found,
		})
	}
}

// checkRound fetches index packets for the identity, the email packets
// they reference, decrypts and verifies them, saves new mail to the
// inbox, and asks the hosting peers to delete delivered packets.
// Returns the number of mails saved.
func (w *Worker) checkRound(ctx context.Context, id *LocalIdentity) int {
	indexes := w.retrieveIndexes(ctx, id)
	logtrace.Debug(ctx, "Index packets", logtrace.Fields{
		logtrace.FieldModule:   "mailbox",
		logtrace.FieldIdentity: id.Name,
		logtrace.FieldCount:    len(indexes),
	})

	encrypted := w.retrieveEmailPackets(ctx, indexes)
	logtrace.Debug(ctx, "Mail packets", logtrace.Fields{
		logtrace.FieldModule:   "mailbox",
		logtrace.FieldIdentity: id.Name,
		logtrace.FieldCount:    len(encrypted),
	})
	if len(encrypted) == 0 {
		return 0
	}

	saved := 0
	for _, enc := range encrypted {
		if _, done := w.processed.Get(enc.Key.String()); done {
			continue
		}

		plain, err := w.openEmail(id, enc)
		if err != nil {
			logtrace.Warn(ctx, "Can't process mail packet", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				logtrace.FieldKey:    enc.Key.String(),
				logtrace.FieldError:  err.Error(),
			})
			continue
		}

		mail, err := ParseEmail(plain.Content)
		if err != nil {
			logtrace.Warn(ctx, "Mail content does not parse", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				logtrace.FieldError:  err.Error(),
			})
			continue
		}
		mail.Compose()
		if err := mail.Save(w.dirs.Inbox); err != nil {
			logtrace.Error(ctx, "Can't save mail to inbox", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				logtrace.FieldError:  err.Error(),
			})
			continue
		}
		saved++
		w.processed.SetDefault(enc.Key.String(), true)

		// Delivered mail is removed from the network: the email packet
		// on its hosts, then our entry in the index packets.
		w.dht.DeleteEmail(ctx, enc.Key, plain.DeleteAuth)
		w.dht.DeleteIndexEntry(ctx, id.Public.Hash(), enc.Key, plain.DeleteAuth)
	}
	return saved
}

// openEmail decrypts one packet and verifies its delete authorization
// against the published delete hash.
func (w *Worker) openEmail(id *LocalIdentity, enc *EmailEncryptedPacket) (*EmailUnencryptedPacket, error) {
	if len(enc.Data) == 0 {
		return nil, ErrMalformedPacket
	}

	plainBytes, err := id.Cryptor.Decrypt(enc.Data)
	if err != nil {
		return nil, err
	}
	plain, err := ParseEmailUnencryptedPacket(plainBytes)
	if err != nil {
		return nil, err
	}
	if !VerifyDeleteAuth(plain.DeleteAuth, enc.DeleteHash) {
		return nil, ErrDeleteHashMismatch
	}
	return plain, nil
}

// retrieveIndexes collects index packets for the identity from the
// network and the local store, deduplicated by destination hash.
func (w *Worker) retrieveIndexes(ctx context.Context, id *LocalIdentity) []*IndexPacket {
	idHash := id.Public.Hash()

	// findAll rather than findOne: peers may hold incomplete entry
	// sets, and the delete requests must reach all of them.
	responses := w.dht.FindAll(ctx, idHash, wire.DataIndex)

	byHash := make(map[utils.Hash]*IndexPacket)
	for _, response := range responses {
		data := w.okResponseData(ctx, response)
		if len(data) < 4 {
			continue
		}

		w.dht.Safe(ctx, data)

		index, err := ParseIndexPacket(data)
		if err != nil || len(index.Entries) == 0 {
			logtrace.Warn(ctx, "Index packet without entries", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
			})
			continue
		}
		byHash[index.DestHash] = index
	}

	if local := w.dht.GetIndex(ctx, idHash); len(local) > 0 {
		if index, err := ParseIndexPacket(local); err == nil && len(index.Entries) > 0 {
			if _, ok := byHash[index.DestHash]; !ok {
				byHash[index.DestHash] = index
			}
		}
	}

	out := make([]*IndexPacket, 0, len(byHash))
	for _, index := range byHash {
		out = append(out, index)
	}
	return out
}

// retrieveEmailPackets fetches every referenced email packet, local
// copies included, deduplicated by key. Lookups run concurrently,
// bounded by retrieveConcurrency.
func (w *Worker) retrieveEmailPackets(ctx context.Context, indexes []*IndexPacket) []*EmailEncryptedPacket {
	var (
		mu       sync.Mutex
		byKey    = make(map[utils.Hash]*EmailEncryptedPacket)
		inflight sync.WaitGroup
	)

	collect := func(data []byte) {
		packet, err := ParseEmailEncryptedPacket(data)
		if err != nil || len(packet.Data) == 0 {
			return
		}
		mu.Lock()
		if _, ok := byKey[packet.Key]; !ok {
			byKey[packet.Key] = packet
		}
		mu.Unlock()
	}

	for _, index := range indexes {
		for _, entry := range index.Entries {
			if local := w.dht.GetEmail(ctx, entry.Key); len(local) > 0 {
				collect(local)
			}

			if err := w.retrieveSem.Acquire(ctx, 1); err != nil {
				inflight.Wait()
				return values(byKey)
			}
			inflight.Add(1)
			go func(key utils.Hash) {
				defer inflight.Done()
				defer w.retrieveSem.Release(1)

				for _, response := range w.dht.FindAll(ctx, key, wire.DataEmail) {
					data := w.okResponseData(ctx, response)
					if len(data) == 0 {
						continue
					}
					w.dht.Safe(ctx, data)
					collect(data)
				}
			}(entry.Key)
		}
	}

	inflight.Wait()
	return values(byKey)
}

func values(m map[utils.Hash]*EmailEncryptedPacket) []*EmailEncryptedPacket {
	out := make([]*EmailEncryptedPacket, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

// okResponseData unwraps one batch response, returning its payload only
// for a parseable OK response.
func (w *Worker) okResponseData(ctx context.Context, response kademlia.Response) []byte {
	if response.Packet.Type != wire.TypeResponse {
		logtrace.Warn(ctx, "Got non-response packet in batch", logtrace.Fields{
			logtrace.FieldModule:  "mailbox",
			"type":                string(response.Packet.Type),
			logtrace.FieldVersion: response.Packet.Version,
		})
		return nil
	}
	parsed, err := wire.DecodeResponse(response.Packet.Payload)
	if err != nil {
		logtrace.Warn(ctx, "Can't parse response", logtrace.Fields{
			logtrace.FieldModule: "mailbox",
			logtrace.FieldError:  err.Error(),
		})
		return nil
	}
	if parsed.Status != wire.StatusOK {
		logtrace.Debug(ctx, "Response status", logtrace.Fields{
			logtrace.FieldModule: "mailbox",
			logtrace.FieldStatus: parsed.Status.String(),
		})
		return nil
	}
	return parsed.Data
}

func (w *Worker) sendTask(ctx context.Context) {
	ticker := time.NewTicker(w.sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sent := w.sendRound(ctx)
		logtrace.Info(ctx, "Send round complete", logtrace.Fields{
			logtrace.FieldModule: "mailbox",
			logtrace.FieldCount:  sent,
		})
	}
}

// sendRound walks the outbox: canonicalize headers, encrypt, store the
// email packet and its index entry, then move the file to sent. A mail
// failing any step stays in the outbox for the next round.
func (w *Worker) sendRound(ctx context.Context) int {
	ids := w.Identities()
	if len(ids) == 0 {
		logtrace.Error(ctx, "Have no identities, send round skipped", logtrace.Fields{
			logtrace.FieldModule: "mailbox",
		})
		return 0
	}
	sender := ids[0]

	outbox := w.readOutbox(ctx)
	if len(outbox) == 0 {
		return 0
	}

	sent := 0
	for _, mail := range outbox {
		if err := w.sendOne(ctx, sender, mail); err != nil {
			mail.Skip(true)
			logtrace.Warn(ctx, "Mail not sent, will retry", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				"file":               filepath.Base(mail.Filename()),
				logtrace.FieldError:  err.Error(),
			})
			continue
		}

		mail.SetField(HeaderDeleted, "false")
		if err := mail.Save(""); err == nil {
			if err := mail.Move(w.dirs.Sent); err != nil {
				logtrace.Error(ctx, "Can't move mail to sent", logtrace.Fields{
					logtrace.FieldModule: "mailbox",
					logtrace.FieldError:  err.Error(),
				})
			}
		}
		sent++
	}
	return sent
}

func (w *Worker) sendOne(ctx context.Context, sender *LocalIdentity, mail *Email) error {
	recipient, err := ParseAddress(ExtractAddress(mail.Field("To")))
	if err != nil {
		return errors.Errorf("create identity from To header: %w", err)
	}

	var deleteAuth utils.Hash
	if _, err := rand.Read(deleteAuth[:]); err != nil {
		return err
	}
	deleteHash := utils.Sha256(deleteAuth.Bytes())
	mail.SetField(HeaderDeleteAuthHash, deleteHash.String())

	plain := &EmailUnencryptedPacket{
		MessageID:     utils.Sha256([]byte(mail.Field("Message-ID"))),
		DeleteAuth:    deleteAuth,
		FragmentIndex: 0,
		NumFragments:  1,
		Content:       mail.Bytes(),
	}

	ciphertext, err := sender.Cryptor.Encrypt(plain.Bytes(), recipient)
	if err != nil {
		return errors.Errorf("encrypt mail: %w", err)
	}
	if len(ciphertext) == 0 {
		return errors.New("encrypted data is empty")
	}

	enc := &EmailEncryptedPacket{
		Key:        DHTKey(ciphertext),
		DeleteHash: deleteHash,
		Alg:        recipient.KeyType(),
		StoredTime: 0,
		Data:       ciphertext,
	}
	mail.SetField(HeaderDHTKey, enc.Key.String())

	storeRequest := &wire.StoreRequest{
		Hashcash: newHashcash(),
		Data:     enc.Bytes(),
	}
	nodes := w.dht.Store(ctx, enc.Key, storeRequest)
	if len(nodes) == 0 {
		return errors.New("no nodes acknowledged the email packet")
	}
	w.dht.Safe(ctx, enc.Bytes())
	logtrace.Debug(ctx, "Email packet stored", logtrace.Fields{
		logtrace.FieldModule: "mailbox",
		logtrace.FieldKey:    enc.Key.String(),
		logtrace.FieldCount:  len(nodes),
	})

	index := &IndexPacket{
		DestHash: recipient.Hash(),
		Entries: []IndexEntry{{
			Key:        enc.Key,
			DeleteHash: deleteHash,
			Time:       uint32(time.Now().Unix()),
		}},
	}
	indexRequest := &wire.StoreRequest{
		Hashcash: newHashcash(),
		Data:     index.Bytes(),
	}
	nodes = w.dht.Store(ctx, recipient.Hash(), indexRequest)
	if len(nodes) == 0 {
		return errors.New("no nodes acknowledged the index packet")
	}
	w.dht.Safe(ctx, index.Bytes())
	logtrace.Debug(ctx, "Index packet stored", logtrace.Fields{
		logtrace.FieldModule: "mailbox",
		logtrace.FieldKey:    recipient.Hash().String(),
		logtrace.FieldCount:  len(nodes),
	})
	return nil
}

// readOutbox loads every parseable mail from the outbox with headers
// canonicalized against the address book.
func (w *Worker) readOutbox(ctx context.Context) []*Email {
	entries, err := os.ReadDir(w.dirs.Outbox)
	if err != nil {
		logtrace.Debug(ctx, "No mail in outbox", logtrace.Fields{
			logtrace.FieldModule: "mailbox",
		})
		return nil
	}

	var mails []*Email
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.dirs.Outbox, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logtrace.Warn(ctx, "Can't read mail file", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				"file":               entry.Name(),
				logtrace.FieldError:  err.Error(),
			})
			continue
		}

		mail, err := ParseEmail(data)
		if err != nil {
			logtrace.Warn(ctx, "Can't parse mail file", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				"file":               entry.Name(),
				logtrace.FieldError:  err.Error(),
			})
			continue
		}
		mail.SetFilename(path)

		if mail.Field("From") == "" || mail.Field("To") == "" {
			logtrace.Warn(ctx, "From or To field is empty", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				"file":               entry.Name(),
			})
			continue
		}
		if !w.canonicalizeHeaders(ctx, mail) {
			continue
		}

		// Message-ID is generated here and saved, so a retry keeps it.
		mail.Compose()
		if err := mail.Save(""); err != nil {
			logtrace.Warn(ctx, "Can't rewrite mail file", logtrace.Fields{
				logtrace.FieldModule: "mailbox",
				logtrace.FieldError:  err.Error(),
			})
		}
		mails = append(mails, mail)
	}
	return mails
}

// canonicalizeHeaders replaces display-name addresses with full keys
// from the address book. A name that resolves nowhere skips the mail.
func (w *Worker) canonicalizeHeaders(ctx context.Context, mail *Email) bool {
	if w.book == nil {
		return true
	}

	to := mail.Field("To")
	address := ExtractAddress(to)
	if !strings.Contains(address, "@") {
		// Already a full key.
		return true
	}

	name := DisplayName(to)
	if name == "" {
		name = address
	}
	resolved := w.book.AddressForName(name)
	if resolved == "" {
		resolved = w.book.AddressForAlias(address)
	}
	if resolved == "" {
		logtrace.Warn(ctx, "Can't find address for recipient", logtrace.Fields{
			logtrace.FieldModule: "mailbox",
			"recipient":          address,
		})
		return false
	}
	mail.SetField("To", name+" <"+resolved+">")
	return true
}
