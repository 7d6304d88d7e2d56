// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing domain values (tasks, mesh events),
// controlling time and observing broadcast fan-out. They are not intended
// for production usage.
package testutil
