package subscriber

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacos-go/registry/internal/naming"
)

func collectNotify() (func(naming.ServiceKey, []string), func() map[naming.ServiceKey][]string) {
	var mu sync.Mutex
	calls := make(map[naming.ServiceKey][]string)
	notify := func(key naming.ServiceKey, clientIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		calls[key] = clientIDs
	}
	get := func() map[naming.ServiceKey][]string {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
	return notify, get
}

func TestIndexAddSubscribeThenNotify(t *testing.T) {
	notify, calls := collectNotify()
	idx := NewIndex(notify)
	defer idx.Close()

	key := naming.NewServiceKey("", "DEFAULT_GROUP", "orders")
	ctx := context.Background()
	require.NoError(t, idx.AddSubscribe(ctx, "client-1", []NamingListenerItem{{Key: key, Cluster: naming.AllClusters}}))

	require.NoError(t, idx.Notify(ctx, key))
	assert.ElementsMatch(t, []string{"client-1"}, calls()[key])
}

func TestIndexRemoveSubscribePrunesBothMaps(t *testing.T) {
	idx := NewIndex(nil)
	defer idx.Close()
	ctx := context.Background()

	key := naming.NewServiceKey("", "DEFAULT_GROUP", "orders")
	require.NoError(t, idx.AddSubscribe(ctx, "client-1", []NamingListenerItem{{Key: key, Cluster: naming.AllClusters}}))
	require.NoError(t, idx.RemoveSubscribe(ctx, "client-1", []NamingListenerItem{{Key: key}}))

	idx.assertIndexEmpty(t)
}

// assertIndexEmpty reaches into the actor's state via a submitted closure
// since both maps are actor-private; this keeps the test honest about
// the dual-index invariant without exporting internals.
func (idx *Index) assertIndexEmpty(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	var listenerLen, clientLen int
	err := idx.submit(context.Background(), func(i *Index) {
		listenerLen = len(i.listener)
		clientLen = len(i.clientKeys)
		close(done)
	})
	require.NoError(t, err)
	<-done
	assert.Equal(t, 0, listenerLen, "listener map should be pruned once empty")
	assert.Equal(t, 0, clientLen, "clientKeys map should be pruned once empty")
}

func TestIndexRemoveClientSubscribeClearsEverySubscription(t *testing.T) {
	idx := NewIndex(nil)
	defer idx.Close()
	ctx := context.Background()

	a := naming.NewServiceKey("", "DEFAULT_GROUP", "orders")
	b := naming.NewServiceKey("", "DEFAULT_GROUP", "payments")
	require.NoError(t, idx.AddSubscribe(ctx, "client-1", []NamingListenerItem{{Key: a, Cluster: naming.AllClusters}, {Key: b, Cluster: naming.AllClusters}}))

	require.NoError(t, idx.RemoveClientSubscribe(ctx, "client-1"))
	idx.assertIndexEmpty(t)
}

func TestIndexRemoveKeyClearsReverseMapping(t *testing.T) {
	idx := NewIndex(nil)
	defer idx.Close()
	ctx := context.Background()

	key := naming.NewServiceKey("", "DEFAULT_GROUP", "orders")
	require.NoError(t, idx.AddSubscribe(ctx, "client-1", []NamingListenerItem{{Key: key, Cluster: naming.AllClusters}}))
	require.NoError(t, idx.RemoveKey(ctx, key))
	idx.assertIndexEmpty(t)
}

func TestIndexNotifyNoopWhenNoSubscribers(t *testing.T) {
	called := false
	idx := NewIndex(func(naming.ServiceKey, []string) { called = true })
	defer idx.Close()

	require.NoError(t, idx.Notify(context.Background(), naming.NewServiceKey("", "DEFAULT_GROUP", "orders")))
	assert.False(t, called)
}

func TestIndexFuzzyMatchListener(t *testing.T) {
	idx := NewIndex(nil)
	defer idx.Close()
	ctx := context.Background()

	key := naming.NewServiceKey("", "DEFAULT_GROUP", "orders-service")
	require.NoError(t, idx.AddSubscribe(ctx, "client-1", []NamingListenerItem{{Key: key, Cluster: naming.AllClusters}}))

	matches, err := idx.FuzzyMatchListener(ctx, "", "orders", "")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = idx.FuzzyMatchListener(ctx, "", "nonexistent", "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndexCloseStopsActor(t *testing.T) {
	idx := NewIndex(nil)
	done := make(chan struct{})
	go func() {
		idx.Close()
		close(done)
	}()
	<-done
}
