package naming

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pushRecord struct {
	key       ServiceKey
	clientIDs []string
}

func collectPusher() (Pusher, func() []pushRecord) {
	var mu sync.Mutex
	var records []pushRecord
	push := func(key ServiceKey, clientIDs []string) {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, pushRecord{key: key, clientIDs: clientIDs})
	}
	get := func() []pushRecord {
		mu.Lock()
		defer mu.Unlock()
		out := make([]pushRecord, len(records))
		copy(out, records)
		return out
	}
	return push, get
}

func TestNotifierCoalescesBurstsIntoOnePush(t *testing.T) {
	push, records := collectPusher()
	n := NewNotifier(50*time.Millisecond, push)
	defer n.Stop()

	key := NewServiceKey("", "DEFAULT_GROUP", "orders")
	n.Notify(key, []string{"client-a"})
	n.Notify(key, []string{"client-b"})
	n.Notify(key, []string{"client-a"}) // duplicate, set semantics dedupe it

	require.Eventually(t, func() bool { return len(records()) == 1 }, time.Second, 5*time.Millisecond)

	got := records()
	assert.Len(t, got[0].clientIDs, 2)
}

func TestNotifierSeparatesDistinctServices(t *testing.T) {
	push, records := collectPusher()
	n := NewNotifier(30*time.Millisecond, push)
	defer n.Stop()

	a := NewServiceKey("", "DEFAULT_GROUP", "orders")
	b := NewServiceKey("", "DEFAULT_GROUP", "payments")
	n.Notify(a, []string{"client-a"})
	n.Notify(b, []string{"client-b"})

	require.Eventually(t, func() bool { return len(records()) == 2 }, time.Second, 5*time.Millisecond)

	seen := map[ServiceKey]bool{}
	for _, r := range records() {
		seen[r.key] = true
	}
	assert.True(t, seen[a])
	assert.True(t, seen[b])
}

func TestNotifierIgnoresEmptyClientSet(t *testing.T) {
	push, records := collectPusher()
	n := NewNotifier(20*time.Millisecond, push)
	defer n.Stop()

	n.Notify(NewServiceKey("", "DEFAULT_GROUP", "orders"), nil)
	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, records())
}

func TestNotifierStopHaltsDispatch(t *testing.T) {
	push, records := collectPusher()
	n := NewNotifier(time.Hour, push)
	n.Notify(NewServiceKey("", "DEFAULT_GROUP", "orders"), []string{"client-a"})
	n.Stop()
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, records(), "no push should fire before the window elapses, and Stop must not force one")
}
