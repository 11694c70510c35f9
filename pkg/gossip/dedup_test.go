package gossip

import "testing"

func TestDedupSuppressesRepeat(t *testing.T) {
	d := newDedup()
	msg := []byte("hello")

	if d.seenBefore(msg) {
		t.Fatal("first sighting should not be flagged as seen")
	}
	if !d.seenBefore(msg) {
		t.Fatal("second sighting should be flagged as seen")
	}
}

func TestDedupEvictsAfterCapacity(t *testing.T) {
	d := newDedup()
	first := []byte("first-message")
	d.seenBefore(first)

	for i := 0; i < dedupCapacity; i++ {
		d.seenBefore([]byte{byte(i), byte(i >> 8)})
	}

	if d.seenBefore(first) {
		t.Fatal("expected first message to have aged out of the dedup cache")
	}
}
