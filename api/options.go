package api

type sendConfig struct {
	async bool
}

// SendOption configures a single Send call.
type SendOption func(*sendConfig)

// Async makes the send non-blocking: the POST is scheduled on a background
// goroutine and Send returns immediately. Delivery failures are observable
// only through the log and LastError; there is no cancellation handle, and
// process exit before the send completes loses the record. Suits notebook
// style hosts where the user's cell must not wait on the network.
func Async() SendOption {
	return func(sc *sendConfig) {
		sc.async = true
	}
}
