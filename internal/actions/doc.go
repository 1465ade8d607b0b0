// Package actions holds the executors for each deferred action kind along
// with their payload encodings.
package actions
