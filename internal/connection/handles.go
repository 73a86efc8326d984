package connection

// handle is a single-use completion handle. The channel is buffered so
// resolving never blocks, and each handle is removed from its table before
// being resolved, so it is resolved at most once.
type handle[T any] struct {
	ch    chan T
	label string
}

func newHandle[T any](label string) *handle[T] {
	return &handle[T]{ch: make(chan T, 1), label: label}
}

func (h *handle[T]) resolve(v T) { h.ch <- v }

// handleTable indexes pending handles by device id, then request id.
// Callers hold Manager.mu.
type handleTable[T any] map[string]map[string]*handle[T]

func (t handleTable[T]) add(deviceID, requestID string, h *handle[T]) {
	byReq, ok := t[deviceID]
	if !ok {
		byReq = make(map[string]*handle[T])
		t[deviceID] = byReq
	}
	byReq[requestID] = h
}

func (t handleTable[T]) take(deviceID, requestID string) (*handle[T], bool) {
	byReq, ok := t[deviceID]
	if !ok {
		return nil, false
	}
	h, ok := byReq[requestID]
	if !ok {
		return nil, false
	}
	delete(byReq, requestID)
	if len(byReq) == 0 {
		delete(t, deviceID)
	}
	return h, true
}

func (t handleTable[T]) drain(deviceID string) map[string]*handle[T] {
	byReq := t[deviceID]
	delete(t, deviceID)
	return byReq
}

func (t handleTable[T]) count(deviceID string) int {
	return len(t[deviceID])
}
