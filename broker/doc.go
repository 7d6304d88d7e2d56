// Package broker defines the shared coordination service every fleet
// component depends on: publish/subscribe channels, key/value storage with
// expiry, sorted sets usable as priority queues, plain sets, an atomic
// remove-returns-count primitive for exactly-once claims, and pattern based
// key scans for session discovery.
//
// Two implementations are provided:
//
//   - InMemoryBroker: process local, safe for concurrent use, intended for
//     tests, examples and single-instance deployments
//   - redis.Broker (subpackage): backed by a Redis server and shared by every
//     service replica in a fleet
//
// All keys and channels are namespaced through Keys so several fleets can
// share one Redis server without interfering with each other.
package broker
