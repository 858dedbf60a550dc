// Package queue defines the at-least-once delivery contract for job-run work items.
package queue

import (
	"context"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
)

// Queue delivers work items with visibility deadlines. An item handed out by
// Dequeue is hidden from other consumers until it is acknowledged, released,
// or its visibility deadline passes.
//
// Acknowledge, Release and Extend take the Deliveries count of the dequeued
// item as a receipt. Once the item has been handed out again the old receipt
// is rejected with domain.ErrStaleDelivery.
type Queue interface {
	// Enqueue adds an item referencing a run. ID and timestamps are assigned
	// when empty.
	Enqueue(ctx context.Context, item domain.QueueItem) (*domain.QueueItem, error)

	// Dequeue returns the next visible item and hides it for visibility, or
	// nil when nothing is visible
	Dequeue(ctx context.Context, visibility time.Duration) (*domain.QueueItem, error)

	// Acknowledge removes an item permanently
	Acknowledge(ctx context.Context, id string, delivery int) error

	// Release makes an item visible again immediately
	Release(ctx context.Context, id string, delivery int) error

	// Extend pushes the visibility deadline of an in-flight item to now+visibility
	Extend(ctx context.Context, id string, delivery int, visibility time.Duration) error

	Close() error
}
