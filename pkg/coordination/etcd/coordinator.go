package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"tempus/pkg/coordination"
)

const (
	electionPrefix = "/tempus/elections/"
	workerPrefix   = "/tempus/workers/"
)

// Coordinator implements cluster coordination on etcd: elections ride a
// concurrency session, worker registrations ride short-lived leases that
// the heartbeat refreshes.
type Coordinator struct {
	client  *clientv3.Client
	session *concurrency.Session

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

func NewCoordinator(endpoints []string, sessionTTL int) (*Coordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}

	// The session keeps election leases alive in the background.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(sessionTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("create concurrency session: %w", err)
	}

	return &Coordinator{
		client:  cli,
		session: sess,
		leases:  make(map[string]clientv3.LeaseID),
	}, nil
}

func (c *Coordinator) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

func (c *Coordinator) NewElection(name string) coordination.Election {
	e := concurrency.NewElection(c.session, electionPrefix+name)
	return &election{election: e}
}

// RegisterWorker puts the worker's info under a leased key. The first call
// grants the lease; later calls refresh it, re-granting if it already
// expired.
func (c *Coordinator) RegisterWorker(ctx context.Context, info coordination.WorkerInfo, ttlSeconds int) error {
	c.mu.Lock()
	leaseID, known := c.leases[info.ID]
	c.mu.Unlock()

	if known {
		if _, err := c.client.KeepAliveOnce(ctx, leaseID); err == nil {
			return nil
		}
		// Lease lapsed while we were away; fall through and re-grant.
	}

	grant, err := c.client.Grant(ctx, int64(ttlSeconds))
	if err != nil {
		return fmt.Errorf("grant worker lease: %w", err)
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode worker info: %w", err)
	}
	if _, err := c.client.Put(ctx, workerPrefix+info.ID, string(payload), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("put worker key: %w", err)
	}

	c.mu.Lock()
	c.leases[info.ID] = grant.ID
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) UnregisterWorker(ctx context.Context, id string) error {
	c.mu.Lock()
	leaseID, known := c.leases[id]
	delete(c.leases, id)
	c.mu.Unlock()

	if known {
		// Revoking the lease deletes the key with it.
		if _, err := c.client.Revoke(ctx, leaseID); err == nil {
			return nil
		}
	}
	_, err := c.client.Delete(ctx, workerPrefix+id)
	return err
}

func (c *Coordinator) ActiveWorkers(ctx context.Context) ([]coordination.WorkerInfo, error) {
	resp, err := c.client.Get(ctx, workerPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]coordination.WorkerInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info coordination.WorkerInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			// Skip unparseable leftovers rather than failing the listing.
			continue
		}
		workers = append(workers, info)
	}
	return workers, nil
}

// election wraps the etcd concurrency election.
type election struct {
	election *concurrency.Election
}

func (e *election) Campaign(ctx context.Context, value string) error {
	return e.election.Campaign(ctx, value)
}

func (e *election) Resign(ctx context.Context) error {
	return e.election.Resign(ctx)
}

func (e *election) Leader(ctx context.Context) (string, error) {
	resp, err := e.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("no leader")
	}
	return string(resp.Kvs[0].Value), nil
}
