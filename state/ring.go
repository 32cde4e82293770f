package state

// messageRing is a bounded, insertion-ordered message buffer shared by the
// whole process. When full, appending evicts the oldest entry.
type messageRing struct {
	buf   []*Message
	head  int // index of the oldest entry
	count int
}

func newMessageRing(capacity int) *messageRing {
	if capacity <= 0 {
		capacity = DefaultMaxMessages
	}
	return &messageRing{buf: make([]*Message, capacity)}
}

func (r *messageRing) append(m *Message) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance.
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
}

func (r *messageRing) find(id ID) *Message {
	for i := 0; i < r.count; i++ {
		if m := r.buf[(r.head+i)%len(r.buf)]; m.ID == id {
			return m
		}
	}
	return nil
}

// replace swaps the entry with id for m, keeping its position. Reports
// whether an entry was found.
func (r *messageRing) replace(id ID, m *Message) bool {
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		if r.buf[idx].ID == id {
			r.buf[idx] = m
			return true
		}
	}
	return false
}

// remove deletes the entry with id, preserving insertion order. Reports
// whether an entry was found.
func (r *messageRing) remove(id ID) bool {
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.buf)
		if r.buf[idx].ID != id {
			continue
		}
		// Shift the younger entries down one slot.
		for j := i; j < r.count-1; j++ {
			from := (r.head + j + 1) % len(r.buf)
			to := (r.head + j) % len(r.buf)
			r.buf[to] = r.buf[from]
		}
		r.buf[(r.head+r.count-1)%len(r.buf)] = nil
		r.count--
		return true
	}
	return false
}

// removeIf drops every entry matching pred, preserving order.
func (r *messageRing) removeIf(pred func(*Message) bool) {
	kept := make([]*Message, 0, r.count)
	for i := 0; i < r.count; i++ {
		m := r.buf[(r.head+i)%len(r.buf)]
		if !pred(m) {
			kept = append(kept, m)
		}
	}
	r.buf = make([]*Message, len(r.buf))
	r.head = 0
	r.count = copy(r.buf, kept)
}

// all returns the entries oldest-first.
func (r *messageRing) all() []*Message {
	out := make([]*Message, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}
