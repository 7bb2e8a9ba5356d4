// Package broker defines the minimal contract dispatchcheck needs from a
// message broker client: connect to one node, open a consumer channel on a
// shared queue, send, poll with a timeout, close.
//
// Transport, clustering and load-balancing policy belong to the broker.
// Drivers live in subpackages (memory, natsq, redisq, kafkaq).
package broker
