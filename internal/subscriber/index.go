// Package subscriber implements C2: the dual-index mapping between
// subscribed clients and the service keys they observe, plus
// forwarding of change notifications into the delay notifier (C3).
package subscriber

import (
	"context"
	"strings"

	"github.com/nacos-go/registry/internal/naming"
	"github.com/nacos-go/registry/pkg/log"
	"github.com/nacos-go/registry/pkg/metrics"
)

// NamingListenerItem is one subscription request: a service plus an
// optional cluster filter.
type NamingListenerItem struct {
	Key     naming.ServiceKey
	Cluster naming.ClusterSelector
}

// clusterFilter is nil for "all clusters", or a non-nil set of names.
type clusterFilter map[string]struct{}

// Index is C2. It owns two mutually-inverse maps:
//
//	listener:    ServiceKey -> (clientID -> clusterFilter)
//	clientKeys:  clientID   -> set<ServiceKey>
//
// Both are only ever mutated from the single run-loop goroutine.
type Index struct {
	reqCh  chan indexRequest
	done   chan struct{}
	notify func(naming.ServiceKey, []string)

	listener   map[naming.ServiceKey]map[string]clusterFilter
	clientKeys map[string]map[naming.ServiceKey]struct{}
}

type indexRequest struct {
	apply func(*Index)
	done  chan struct{}
}

// NewIndex creates and starts the subscriber index. notify is called
// by Notify() with the set of subscribed client ids for a changed
// service; it is expected to forward into the delay notifier (C3).
func NewIndex(notify func(naming.ServiceKey, []string)) *Index {
	idx := &Index{
		reqCh:      make(chan indexRequest, 1024),
		done:       make(chan struct{}),
		notify:     notify,
		listener:   make(map[naming.ServiceKey]map[string]clusterFilter),
		clientKeys: make(map[string]map[naming.ServiceKey]struct{}),
	}
	go idx.run()
	return idx
}

func (idx *Index) run() {
	logger := log.WithComponent("subscriber-index")
	for req := range idx.reqCh {
		req.apply(idx)
		close(req.done)
	}
	logger.Debug().Msg("subscriber index actor stopped")
	close(idx.done)
}

func (idx *Index) submit(ctx context.Context, apply func(*Index)) error {
	req := indexRequest{apply: apply, done: make(chan struct{})}
	select {
	case idx.reqCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor.
func (idx *Index) Close() {
	close(idx.reqCh)
	<-idx.done
}

func toFilter(sel naming.ClusterSelector) clusterFilter {
	if sel.All {
		return nil
	}
	return clusterFilter{sel.Name: {}}
}

// AddSubscribe is idempotent: re-adding an existing (key, client)
// pair replaces the cluster filter.
func (idx *Index) AddSubscribe(ctx context.Context, clientID string, items []NamingListenerItem) error {
	return idx.submit(ctx, func(i *Index) {
		for _, item := range items {
			clients, ok := i.listener[item.Key]
			if !ok {
				clients = make(map[string]clusterFilter)
				i.listener[item.Key] = clients
			}
			clients[clientID] = toFilter(item.Cluster)

			keys, ok := i.clientKeys[clientID]
			if !ok {
				keys = make(map[naming.ServiceKey]struct{})
				i.clientKeys[clientID] = keys
			}
			keys[item.Key] = struct{}{}
		}
		metrics.SubscribersTotal.Set(float64(len(i.clientKeys)))
	})
}

// RemoveSubscribe removes the listed (key, client) pairs and prunes
// any inner map left empty.
func (idx *Index) RemoveSubscribe(ctx context.Context, clientID string, items []NamingListenerItem) error {
	return idx.submit(ctx, func(i *Index) {
		for _, item := range items {
			i.removeOne(clientID, item.Key)
		}
		metrics.SubscribersTotal.Set(float64(len(i.clientKeys)))
	})
}

func (idx *Index) removeOne(clientID string, key naming.ServiceKey) {
	if clients, ok := idx.listener[key]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(idx.listener, key)
		}
	}
	if keys, ok := idx.clientKeys[clientID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(idx.clientKeys, clientID)
		}
	}
}

// RemoveClientSubscribe performs full disconnect cleanup for a client,
// visiting every ServiceKey it was subscribed to.
func (idx *Index) RemoveClientSubscribe(ctx context.Context, clientID string) error {
	return idx.submit(ctx, func(i *Index) {
		keys, ok := i.clientKeys[clientID]
		if !ok {
			return
		}
		for key := range keys {
			if clients, ok := i.listener[key]; ok {
				delete(clients, clientID)
				if len(clients) == 0 {
					delete(i.listener, key)
				}
			}
		}
		delete(i.clientKeys, clientID)
		metrics.SubscribersTotal.Set(float64(len(i.clientKeys)))
	})
}

// RemoveKey is invoked when a service is deleted; it mirrors
// RemoveClientSubscribe in the other direction, removing every client
// reference to key.
func (idx *Index) RemoveKey(ctx context.Context, key naming.ServiceKey) error {
	return idx.submit(ctx, func(i *Index) {
		clients, ok := i.listener[key]
		if !ok {
			return
		}
		for clientID := range clients {
			if keys, ok := i.clientKeys[clientID]; ok {
				delete(keys, key)
				if len(keys) == 0 {
					delete(i.clientKeys, clientID)
				}
			}
		}
		delete(i.listener, key)
	})
}

// Notify looks up subscribers for key and forwards the set of client
// ids to the delay notifier. No-op when unset or empty.
func (idx *Index) Notify(ctx context.Context, key naming.ServiceKey) error {
	return idx.submit(ctx, func(i *Index) {
		clients, ok := i.listener[key]
		if !ok || len(clients) == 0 {
			return
		}
		ids := make([]string, 0, len(clients))
		for c := range clients {
			ids = append(ids, c)
		}
		if i.notify != nil {
			i.notify(key, ids)
		}
	})
}

// FuzzyMatchListener substring-matches on namespace, group, and
// service name, returning a snapshot of the matching ServiceKeys for
// administrative views.
func (idx *Index) FuzzyMatchListener(ctx context.Context, groupName, serviceName, namespaceID string) ([]naming.ServiceKey, error) {
	var out []naming.ServiceKey
	err := idx.submit(ctx, func(i *Index) {
		for key := range i.listener {
			if namespaceID != "" && !contains(key.NamespaceID, namespaceID) {
				continue
			}
			if groupName != "" && !contains(key.GroupName, groupName) {
				continue
			}
			if serviceName != "" && !contains(key.ServiceName, serviceName) {
				continue
			}
			out = append(out, key)
		}
	})
	return out, err
}

func contains(haystack, needle string) bool {
	return needle == "" || strings.Contains(haystack, needle)
}
