// Package testutil provides fluent builders and scripted fakes shared by
// package tests: plan builders for step DAGs and configurable fake workers
// covering the dispatch failure modes (no ack, no response, slow, failing).
package testutil
