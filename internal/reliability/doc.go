// Package reliability provides the retry policy shared by the reconnecting
// worker and the command line tools.
//
// FixedDelay is the only backoff the worker uses: it sleeps the same,
// runtime-adjustable interval between reconnect attempts. Retry runs a
// function under a policy and gives up with a *RetryError once the policy
// says so.
//
// Example usage:
//
//	policy := reliability.NewFixedDelay(5*time.Second, 3)
//	err := reliability.Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
