// Package triage is the business boundary for sentinel's alert triage. It
// defines the Engine (encode, classify, explain), the Service (policy,
// throttling, aggregation, notification and audit for each alert), the Store
// interface for the triage journal, and the domain models.
package triage
