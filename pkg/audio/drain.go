package audio

// Drain reads from ch until the channel is closed, discarding all values.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

// DrainPending discards whatever is already buffered in ch without blocking
// and returns the number of values dropped.
func DrainPending[T any](ch <-chan T) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
