// Package inbound acknowledges provider callbacks and hands them to a queue.
//
// Receipt verifies the provider signature, claims the delivery key so exact
// redeliveries are dropped, records a call log entry and enqueues a task. The
// worker decodes the task, runs the reducer and settles the claim. Transient
// reducer failures are retried by the queue until the attempt budget runs out.
package inbound
