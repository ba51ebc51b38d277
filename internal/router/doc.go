// Package router delivers messages between nodes of the Elder Tree.
//
// Send validates that both endpoints exist, that the sender may address the
// receiver, and that both souls are bound. Accepted messages get their
// hierarchy path and land in a FIFO queue.
//
// Delivery:
// DrainQueue takes the messages present at entry and handles them in order.
// A message whose handler fails is put back at the front of the queue, ahead
// of anything enqueued meanwhile, and retried on the next drain
// (at-least-once). Messages enqueued by handlers during a drain wait for the
// next one. Drains never overlap.
//
// Authorization:
// A sender may address a receiver of the same rank, any junior rank, or its
// own direct parent.
package router
