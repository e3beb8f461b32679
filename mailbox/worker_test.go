package mailbox

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/kademlia"
	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/wire"
)

// xorCryptor stands in for the crypto library: a keyless involution so
// Encrypt and Decrypt mirror each other.
type xorCryptor struct{}

func (xorCryptor) Encrypt(plain []byte, _ identity.Identity) ([]byte, error) {
	return xorBytes(plain), nil
}

func (xorCryptor) Decrypt(cipher []byte) ([]byte, error) {
	return xorBytes(cipher), nil
}

func xorBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x5A
	}
	return out
}

// stubDHT is a scriptable DHTClient recording every call.
type stubDHT struct {
	mu sync.Mutex

	findAll  map[string][][]byte // key.String()+type -> OK payloads
	acks     []string
	local    map[string][]byte
	saved    [][]byte
	deleted  []utils.Hash
	dexKeys  []utils.Hash
	storeReq []*wire.StoreRequest
}

func newStubDHT() *stubDHT {
	return &stubDHT{
		findAll: map[string][][]byte{},
		local:   map[string][]byte{},
	}
}

func (s *stubDHT) script(key utils.Hash, dataType byte, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String() + string(dataType)
	s.findAll[k] = append(s.findAll[k], payload)
}

func (s *stubDHT) FindAll(_ context.Context, key utils.Hash, dataType byte) []kademlia.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []kademlia.Response
	for _, payload := range s.findAll[key.String()+string(dataType)] {
		pkt := wire.EncodeResponse(wire.NewCID(), wire.Version4, wire.StatusOK, payload)
		out = append(out, kademlia.Response{From: "peer", Packet: pkt})
	}
	return out
}

func (s *stubDHT) Store(_ context.Context, key utils.Hash, request *wire.StoreRequest) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storeReq = append(s.storeReq, request)
	return append([]string(nil), s.acks...)
}

func (s *stubDHT) DeleteEmail(_ context.Context, key, _ utils.Hash) []kademlia.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *stubDHT) DeleteIndexEntry(_ context.Context, _, key, _ utils.Hash) []kademlia.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dexKeys = append(s.dexKeys, key)
	return nil
}

func (s *stubDHT) Safe(_ context.Context, data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, append([]byte(nil), data...))
	return true
}

func (s *stubDHT) GetIndex(_ context.Context, key utils.Hash) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[key.String()+"I"]
}

func (s *stubDHT) GetEmail(_ context.Context, key utils.Hash) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local[key.String()+"E"]
}

func newTestWorker(t *testing.T, dht DHTClient, ids ...*LocalIdentity) (*Worker, Maildirs) {
	t.Helper()

	dirs := Maildirs{
		Inbox:  t.TempDir(),
		Outbox: t.TempDir(),
		Sent:   t.TempDir(),
	}
	return NewWorker(dht, nil, dirs, ids), dirs
}

// sealMail builds the encrypted packet and index entry a sender would
// publish for the given identity.
func sealMail(t *testing.T, recipient *LocalIdentity, content string) (*EmailEncryptedPacket, *IndexPacket, utils.Hash) {
	t.Helper()

	auth := utils.Sha256([]byte("delete auth secret"))
	plain := &EmailUnencryptedPacket{
		MessageID:     utils.Sha256([]byte(content)),
		DeleteAuth:    auth,
		FragmentIndex: 0,
		NumFragments:  1,
		Content:       []byte(content),
	}
	ciphertext, err := recipient.Cryptor.Encrypt(plain.Bytes(), recipient.Public)
	require.NoError(t, err)

	enc := &EmailEncryptedPacket{
		Key:        DHTKey(ciphertext),
		DeleteHash: utils.Sha256(auth.Bytes()),
		Alg:        recipient.Public.KeyType(),
		Data:       ciphertext,
	}
	index := &IndexPacket{
		DestHash: recipient.Public.Hash(),
		Entries: []IndexEntry{{
			Key:        enc.Key,
			DeleteHash: enc.DeleteHash,
			Time:       42,
		}},
	}
	return enc, index, auth
}

func TestCheckRoundDeliversMail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	me := &LocalIdentity{Name: "me", Public: testIdentity(t, 1), Cryptor: xorCryptor{}}

	stub := newStubDHT()
	worker, dirs := newTestWorker(t, stub, me)

	enc, index, _ := sealMail(t, me, "From: sender\nTo: me\nSubject: hi\n\nhello\n")
	stub.script(me.Public.Hash(), wire.DataIndex, index.Bytes())
	stub.script(enc.Key, wire.DataEmail, enc.Bytes())

	found := worker.checkRound(ctx, me)
	assert.Equal(t, 1, found)

	entries, err := os.ReadDir(dirs.Inbox)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dirs.Inbox, entries[0].Name()))
	require.NoError(t, err)
	mail, err := ParseEmail(data)
	require.NoError(t, err)
	assert.Equal(t, "hi", mail.Field("Subject"))

	// Delivered mail triggers delete requests toward the hosts.
	stub.mu.Lock()
	assert.Contains(t, stub.deleted, enc.Key)
	assert.Contains(t, stub.dexKeys, enc.Key)
	stub.mu.Unlock()

	// The same packet is not processed twice.
	assert.Equal(t, 0, worker.checkRound(ctx, me))
}

func TestCheckRoundRejectsWrongDeleteHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	me := &LocalIdentity{Name: "me", Public: testIdentity(t, 1), Cryptor: xorCryptor{}}

	stub := newStubDHT()
	worker, dirs := newTestWorker(t, stub, me)

	enc, index, _ := sealMail(t, me, "From: a\nTo: b\n\nx\n")
	enc.DeleteHash = utils.Sha256([]byte("forged"))
	index.Entries[0].Key = enc.Key

	stub.script(me.Public.Hash(), wire.DataIndex, index.Bytes())
	stub.script(enc.Key, wire.DataEmail, enc.Bytes())

	assert.Equal(t, 0, worker.checkRound(ctx, me))

	entries, err := os.ReadDir(dirs.Inbox)
	require.NoError(t, err)
	assert.Empty(t, entries, "mail with mismatched delete hash must not land in the inbox")

	stub.mu.Lock()
	assert.Empty(t, stub.deleted, "no delete request for unverified mail")
	stub.mu.Unlock()
}

func TestCheckRoundUsesLocalIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	me := &LocalIdentity{Name: "me", Public: testIdentity(t, 1), Cryptor: xorCryptor{}}

	stub := newStubDHT()
	worker, _ := newTestWorker(t, stub, me)

	enc, index, _ := sealMail(t, me, "From: a\nTo: b\n\nlocal index path\n")
	stub.local[me.Public.Hash().String()+"I"] = index.Bytes()
	stub.script(enc.Key, wire.DataEmail, enc.Bytes())

	assert.Equal(t, 1, worker.checkRound(ctx, me))
}

func writeOutboxMail(t *testing.T, dir, to string) string {
	t.Helper()

	raw := "From: me <local>\nTo: " + to + "\nSubject: outbound\n\nhello there\n"
	path := filepath.Join(dir, "draft.mail")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	return path
}

func TestSendRoundStoresAndMovesMail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	me := &LocalIdentity{Name: "me", Public: testIdentity(t, 1), Cryptor: xorCryptor{}}
	recipient := &LocalIdentity{Name: "peer", Public: testIdentity(t, 2), Cryptor: xorCryptor{}}

	stub := newStubDHT()
	stub.acks = []string{"node-1", "node-2"}
	worker, dirs := newTestWorker(t, stub, me)

	writeOutboxMail(t, dirs.Outbox, recipient.Public.ToBase64())

	sent := worker.sendRound(ctx)
	assert.Equal(t, 1, sent)

	// The outbox is drained and the sent box holds the mail with its
	// bookkeeping headers.
	outboxLeft, err := os.ReadDir(dirs.Outbox)
	require.NoError(t, err)
	assert.Empty(t, outboxLeft)

	sentEntries, err := os.ReadDir(dirs.Sent)
	require.NoError(t, err)
	require.Len(t, sentEntries, 1)

	data, err := os.ReadFile(filepath.Join(dirs.Sent, sentEntries[0].Name()))
	require.NoError(t, err)
	mail, err := ParseEmail(data)
	require.NoError(t, err)
	assert.Equal(t, "false", mail.Field(HeaderDeleted))
	assert.NotEmpty(t, mail.Field(HeaderDHTKey))
	assert.NotEmpty(t, mail.Field("Message-ID"))

	// Two store requests went out: the email packet, then the index.
	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.storeReq, 2)

	enc, err := ParseEmailEncryptedPacket(stub.storeReq[0].Data)
	require.NoError(t, err)
	assert.Equal(t, DHTKey(enc.Data), enc.Key)

	plainBytes, err := recipient.Cryptor.Decrypt(enc.Data)
	require.NoError(t, err)
	plain, err := ParseEmailUnencryptedPacket(plainBytes)
	require.NoError(t, err)
	assert.True(t, VerifyDeleteAuth(plain.DeleteAuth, enc.DeleteHash))
	assert.Contains(t, string(plain.Content), "Subject: outbound")

	index, err := ParseIndexPacket(stub.storeReq[1].Data)
	require.NoError(t, err)
	assert.Equal(t, recipient.Public.Hash(), index.DestHash)
	require.Len(t, index.Entries, 1)
	assert.Equal(t, enc.Key, index.Entries[0].Key)
}

func TestSendRoundKeepsMailOnFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	me := &LocalIdentity{Name: "me", Public: testIdentity(t, 1), Cryptor: xorCryptor{}}
	recipient := testIdentity(t, 2)

	stub := newStubDHT() // no acks: every store fails
	worker, dirs := newTestWorker(t, stub, me)

	path := writeOutboxMail(t, dirs.Outbox, recipient.ToBase64())

	assert.Equal(t, 0, worker.sendRound(ctx))
	assert.FileExists(t, path, "failed mail must stay in the outbox")

	sentEntries, err := os.ReadDir(dirs.Sent)
	require.NoError(t, err)
	assert.Empty(t, sentEntries)
}

func TestSendRoundWithoutIdentities(t *testing.T) {
	t.Parallel()

	stub := newStubDHT()
	worker, dirs := newTestWorker(t, stub)
	writeOutboxMail(t, dirs.Outbox, testIdentity(t, 2).ToBase64())

	assert.Equal(t, 0, worker.sendRound(context.Background()),
		"send loop suspends without identities")
}
