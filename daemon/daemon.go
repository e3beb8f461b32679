// Package daemon supervises the node: it wires transport, storage, the
// DHT engine and the mailbox loops together, persists the peer list,
// and shuts everything down cooperatively.
package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"

	"github.com/polistern/pboted/config"
	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/kademlia"
	"github.com/polistern/pboted/mailbox"
	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/storage"
	"github.com/polistern/pboted/storage/sqlite"
	"github.com/polistern/pboted/transport"
)

// nodesFile is the peer list under the data directory.
const nodesFile = "nodes.txt"

// persistInterval is the period of the peer-list rewrite loop.
const persistInterval = 60 * time.Second

// Daemon is the supervising application state. There are no package
// globals; everything hangs off this struct.
type Daemon struct {
	cfg       *config.Config
	transport transport.Transport
	store     storage.Store
	rt        *kademlia.RoutingTable
	fabric    *kademlia.Fabric
	dht       *kademlia.DHT
	worker    *mailbox.Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// badBootstrap remembers bootstrap addresses that failed to parse
	// so restarts of the load loop do not retry them forever.
	badBootstrap *cache.Cache
}

// New builds a daemon around an established transport session. Local
// identities and the address book come from the caller; both may be
// empty, which suspends the mailbox loops.
func New(ctx context.Context, cfg *config.Config, tp transport.Transport,
	identities []*mailbox.LocalIdentity, book mailbox.AddressBook) (*Daemon, error) {

	localID, err := identity.FromBase64(tp.LocalDestination())
	if err != nil {
		return nil, errors.Errorf("parse local destination: %w", err)
	}

	store, err := sqlite.NewStore(ctx, filepath.Join(cfg.DataDir, "dht"))
	if err != nil {
		return nil, errors.Errorf("open packet store: %w", err)
	}

	rt := kademlia.NewRoutingTable(localID.Hash())
	fabric := kademlia.NewFabric(tp)
	dht := kademlia.NewDHT(kademlia.DefaultConfig(), rt, fabric, store)

	dirs := mailbox.Maildirs{
		Inbox:  filepath.Join(cfg.DataDir, "inbox"),
		Outbox: filepath.Join(cfg.DataDir, "outbox"),
		Sent:   filepath.Join(cfg.DataDir, "sent"),
	}
	for _, dir := range []string{dirs.Inbox, dirs.Outbox, dirs.Sent} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			store.Close()
			return nil, errors.Errorf("create maildir: %w", err)
		}
	}

	return &Daemon{
		cfg:          cfg,
		transport:    tp,
		store:        store,
		rt:           rt,
		fabric:       fabric,
		dht:          dht,
		worker:       mailbox.NewWorker(dht, book, dirs, identities),
		badBootstrap: cache.New(time.Hour, 10*time.Minute),
	}, nil
}

// DHT exposes the engine, mainly for tests and diagnostics.
func (d *Daemon) DHT() *kademlia.DHT {
	return d.dht
}

// Start loads peers and spawns every loop. It returns once the daemon
// is running.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if !d.loadNodes(ctx) {
		logtrace.Error(ctx, "Have no nodes for start", logtrace.Fields{
			logtrace.FieldModule: "daemon",
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.fabric.Run(ctx, d.transport.Receive())
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.persistLoop(ctx)
	}()

	d.worker.Start(ctx, &d.wg)

	logtrace.Info(ctx, "Daemon started", logtrace.Fields{
		logtrace.FieldModule: "daemon",
		"nodes":              d.rt.Len(),
	})
	return nil
}

// Stop signals every loop, waits for them, persists the peer list one
// last time, and releases resources.
func (d *Daemon) Stop(ctx context.Context) {
	logtrace.Warn(ctx, "Stopping", logtrace.Fields{
		logtrace.FieldModule: "daemon",
	})

	if d.cancel != nil {
		d.cancel()
	}
	d.transport.Close()
	d.wg.Wait()

	if err := d.writeNodes(ctx); err != nil {
		logtrace.Error(ctx, "Final peer list write failed", logtrace.Fields{
			logtrace.FieldModule: "daemon",
			logtrace.FieldError:  err.Error(),
		})
	}
	if err := d.store.Close(); err != nil {
		logtrace.Error(ctx, "Store close failed", logtrace.Fields{
			logtrace.FieldModule: "daemon",
			logtrace.FieldError:  err.Error(),
		})
	}

	logtrace.Warn(ctx, "Stopped", logtrace.Fields{
		logtrace.FieldModule: "daemon",
	})
}

// loadNodes reads nodes.txt; when it yields nothing, the configured
// bootstrap addresses are tried with backoff.
func (d *Daemon) loadNodes(ctx context.Context) bool {
	path := filepath.Join(d.cfg.DataDir, nodesFile)
	if f, err := os.Open(path); err == nil {
		added := d.rt.ReadFrom(ctx, f)
		f.Close()
		logtrace.Info(ctx, "Nodes loaded", logtrace.Fields{
			logtrace.FieldModule: "daemon",
			logtrace.FieldCount:  added,
			"path":               path,
		})
		if added > 0 {
			return true
		}
	} else {
		logtrace.Info(ctx, "Can't open nodes file, try bootstrap", logtrace.Fields{
			logtrace.FieldModule: "daemon",
			"path":               path,
		})
	}

	return d.bootstrap(ctx)
}

func (d *Daemon) bootstrap(ctx context.Context) bool {
	if len(d.cfg.Bootstrap.Address) == 0 {
		return false
	}

	added := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 3), ctx)

	err := backoff.Retry(func() error {
		for _, address := range d.cfg.Bootstrap.Address {
			if _, bad := d.badBootstrap.Get(address); bad {
				continue
			}
			id, err := identity.FromBase64(address)
			if err != nil {
				logtrace.Warn(ctx, "Malformed bootstrap address", logtrace.Fields{
					logtrace.FieldModule: "daemon",
					logtrace.FieldError:  err.Error(),
				})
				d.badBootstrap.SetDefault(address, true)
				continue
			}
			if d.rt.Add(id) {
				added++
			}
		}
		if added == 0 {
			return errors.New("no bootstrap nodes added")
		}
		return nil
	}, policy)

	if err != nil {
		logtrace.Error(ctx, "Bootstrap failed", logtrace.Fields{
			logtrace.FieldModule: "daemon",
			logtrace.FieldError:  err.Error(),
		})
		return false
	}
	logtrace.Info(ctx, "Bootstrapped", logtrace.Fields{
		logtrace.FieldModule: "daemon",
		logtrace.FieldCount:  added,
	})
	return true
}

// persistLoop rewrites the peer list every minute and dumps node stats
// at debug level.
func (d *Daemon) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := d.writeNodes(ctx); err != nil {
			logtrace.Error(ctx, "Can't write nodes file", logtrace.Fields{
				logtrace.FieldModule: "daemon",
				logtrace.FieldError:  err.Error(),
			})
			continue
		}
		logtrace.Debug(ctx, "Nodes saved", logtrace.Fields{
			logtrace.FieldModule: "daemon",
			logtrace.FieldCount:  d.rt.Len(),
		})
	}
}

func (d *Daemon) writeNodes(ctx context.Context) error {
	path := filepath.Join(d.cfg.DataDir, nodesFile)

	tmp, err := os.CreateTemp(d.cfg.DataDir, nodesFile+".*")
	if err != nil {
		return err
	}
	if _, err := d.rt.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
