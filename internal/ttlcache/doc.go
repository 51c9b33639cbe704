// Package ttlcache provides a generic time-bounded cache with a size cap,
// swept either by a background goroutine or by explicit Sweep calls.
package ttlcache
